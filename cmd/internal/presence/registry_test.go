package presence

import (
	"fmt"
	"sync"
	"testing"
)

type conn struct{ id int }

func TestRegistry_MultiConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry[*conn]()
	a1, a2 := &conn{1}, &conn{2}

	if first := r.Register("alice", a1); !first {
		t.Fatalf("expected first connection")
	}
	if first := r.Register("alice", a2); first {
		t.Fatalf("second connection must not be first")
	}
	if first := r.Register("alice", a2); first {
		t.Fatalf("re-register must be a no-op")
	}
	if got := len(r.RoomOf("alice")); got != 2 {
		t.Fatalf("expected 2 handles, got %d", got)
	}

	user, last := r.Unregister(a1)
	if user != "alice" || last {
		t.Fatalf("unexpected unregister a1: %q last=%v", user, last)
	}
	if !r.IsPresent("alice") {
		t.Fatalf("alice must stay present with one connection")
	}

	user, last = r.Unregister(a2)
	if user != "alice" || !last {
		t.Fatalf("unexpected unregister a2: %q last=%v", user, last)
	}
	if r.IsPresent("alice") {
		t.Fatalf("alice must be absent")
	}

	if user, last := r.Unregister(a2); user != "" || last {
		t.Fatalf("unknown unregister must be a no-op")
	}
}

func TestRegistry_RebindHandle(t *testing.T) {
	t.Parallel()

	r := NewRegistry[*conn]()
	c := &conn{1}

	r.Register("alice", c)
	if first := r.Register("bob", c); !first {
		t.Fatalf("expected first handle for bob")
	}
	if r.IsPresent("alice") {
		t.Fatalf("moved handle must leave alice absent")
	}
	if u, ok := r.UserOf(c); !ok || u != "bob" {
		t.Fatalf("expected handle bound to bob, got %q", u)
	}
}

func TestRegistry_FilterAndPresentUsers(t *testing.T) {
	t.Parallel()

	r := NewRegistry[*conn]()
	r.Register("carol", &conn{1})
	r.Register("alice", &conn{2})

	got := r.Filter([]string{"bob", "carol", "alice", "carol"})
	if fmt.Sprint(got) != "[carol alice]" {
		t.Fatalf("unexpected filter result %v", got)
	}
	if fmt.Sprint(r.PresentUsers()) != "[alice carol]" {
		t.Fatalf("unexpected present users %v", r.PresentUsers())
	}
	if r.Register("  ", &conn{3}) {
		t.Fatalf("blank user id must be ignored")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry[*conn]()
	conns := make([]*conn, 64)
	for i := range conns {
		conns[i] = &conn{i}
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *conn) {
			defer wg.Done()
			r.Register(fmt.Sprintf("u%d", i%4), c)
		}(i, c)
	}
	wg.Wait()

	if r.Len() != len(conns) || len(r.PresentUsers()) != 4 {
		t.Fatalf("unexpected registry size: conns=%d users=%d", r.Len(), len(r.PresentUsers()))
	}

	lasts := 0
	var mu sync.Mutex
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if _, last := r.Unregister(c); last {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if lasts != 4 {
		t.Fatalf("expected exactly one last transition per user, got %d", lasts)
	}
}
