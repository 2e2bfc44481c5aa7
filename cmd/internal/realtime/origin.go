package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// originPolicy is the browser Origin allowlist for the WebSocket upgrade.
// Entries match either exactly or by host, ignoring scheme and port.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			p.any = true
		default:
			p.exact[a] = struct{}{}
			if h := hostOf(a); h != "" {
				p.hosts[h] = struct{}{}
			}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if len(p.exact) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if h := hostOf(origin); h != "" {
		if _, ok := p.hosts[h]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns returns the host patterns websocket.Accept needs for cross-origin
// upgrades, so its own check agrees with the allowlist. Any port is accepted.
func (p originPolicy) acceptPatterns() []string {
	out := make([]string, 0, 2*len(p.hosts))
	for h := range p.hosts {
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}

// hostOf returns the lowercased host of "scheme://host[:port]" or "host[:port]".
func hostOf(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if s == "*" {
		return ""
	}
	return strings.ToLower(s)
}
