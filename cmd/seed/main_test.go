package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity"
)

func TestLoadUsers(t *testing.T) {
	in := `
company_id: SDH
users:
  - name: Alice Smith
    department: Engineering
    email: " Alice@Example.com "
  - id: bob-fixed
    name: Bob
    email: bob@example.com
    role: admin
`
	users, err := loadUsers(strings.NewReader(in))
	if err != nil {
		t.Fatalf("loadUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users=%d", len(users))
	}

	a := users[0]
	if !strings.HasPrefix(a.ID, "ALI-ENG-SDH") || len(a.ID) != len("ALI-ENG-SDH")+3 {
		t.Fatalf("generated id=%q", a.ID)
	}
	if a.Email != "alice@example.com" {
		t.Fatalf("email=%q", a.Email)
	}
	if users[1].ID != "bob-fixed" || users[1].Role != "admin" {
		t.Fatalf("bob=%+v", users[1])
	}
}

func TestLoadUsers_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "company_id: SDH\nusers: []\n"},
		{name: "missing email", in: "company_id: SDH\nusers:\n  - name: A\n"},
		{name: "duplicate email", in: "company_id: SDH\nusers:\n  - email: a@x.io\n  - email: A@x.io\n"},
		{name: "unknown field", in: "company_id: SDH\nusers:\n  - email: a@x.io\n    phone: 1\n"},
		{name: "no company", in: "users:\n  - email: a@x.io\n", want: identity.ErrEmptyCompanyID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadUsers(strings.NewReader(tc.in))
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}
