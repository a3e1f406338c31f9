package bus

import (
	"fmt"
	"sort"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/wire"
)

// MatchRule selects broadcast signals an attachment wants to receive.
// Empty fields match anything.
type MatchRule struct {
	Type      string
	Interface string
	Member    string
	Path      string
	Sender    string
	// Sessionless is nil when the rule does not care.
	Sessionless *bool
}

type matchEntry struct {
	rule MatchRule
	refs int
}

// ParseMatchRule parses "key='value'" pairs separated by commas. Known
// keys are type, interface, member, path, sender and sessionless.
func ParseMatchRule(s string) (MatchRule, error) {
	var r MatchRule
	pairs, err := splitRule(s)
	if err != nil {
		return r, err
	}
	for _, kv := range pairs {
		key, value := kv[0], kv[1]
		switch key {
		case "type":
			if value != "signal" {
				return r, invalidRule(s, fmt.Sprintf("unsupported type %q", value))
			}
			r.Type = value
		case "interface":
			r.Interface = value
		case "member":
			r.Member = value
		case "path":
			r.Path = value
		case "sender":
			r.Sender = value
		case "sessionless":
			var b bool
			switch value {
			case "t", "true":
				b = true
			case "f", "false":
				b = false
			default:
				return r, invalidRule(s, fmt.Sprintf("sessionless must be 't' or 'f', got %q", value))
			}
			r.Sessionless = &b
		default:
			return r, invalidRule(s, fmt.Sprintf("unknown key %q", key))
		}
	}
	return r, nil
}

// splitRule scans key='value' pairs. Commas inside quotes are literal.
func splitRule(s string) ([][2]string, error) {
	var out [][2]string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i == len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, invalidRule(s, "missing '='")
		}
		key := strings.TrimSpace(s[i : i+eq])
		i += eq + 1
		if i >= len(s) || s[i] != '\'' {
			return nil, invalidRule(s, fmt.Sprintf("value of %q must be quoted", key))
		}
		i++
		end := strings.IndexByte(s[i:], '\'')
		if end < 0 {
			return nil, invalidRule(s, "unterminated quote")
		}
		out = append(out, [2]string{key, s[i : i+end]})
		i += end + 1
		if i < len(s) && s[i] != ',' && s[i] != ' ' {
			return nil, invalidRule(s, "expected ',' between pairs")
		}
	}
	return out, nil
}

func invalidRule(rule, reason string) error {
	return buserr.InvalidArgument(fmt.Sprintf("match rule %q: %s", rule, reason))
}

// String renders the rule in canonical key order.
func (r MatchRule) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"='"+v+"'")
		}
	}
	add("type", r.Type)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", r.Path)
	add("sender", r.Sender)
	if r.Sessionless != nil {
		if *r.Sessionless {
			add("sessionless", "t")
		} else {
			add("sessionless", "f")
		}
	}
	return strings.Join(parts, ",")
}

// Matches reports whether a signal message satisfies the rule.
func (r MatchRule) Matches(m *wire.Message) bool {
	if m.Type != wire.TypeSignal {
		return false
	}
	if r.Interface != "" && r.Interface != m.Interface {
		return false
	}
	if r.Member != "" && r.Member != m.Member {
		return false
	}
	if r.Path != "" && r.Path != m.Path {
		return false
	}
	if r.Sender != "" && r.Sender != m.Sender {
		return false
	}
	if r.Sessionless != nil && *r.Sessionless != (m.Flags&wire.FlagSessionless != 0) {
		return false
	}
	return true
}

// AddMatch subscribes to broadcast signals matching rule. Adding the same
// rule twice needs two RemoveMatch calls.
func (a *Attachment) AddMatch(rule string) error {
	r, err := ParseMatchRule(rule)
	if err != nil {
		return err
	}
	key := r.String()
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.matches[key]; ok {
		e.refs++
		return nil
	}
	a.matches[key] = &matchEntry{rule: r, refs: 1}
	return nil
}

// RemoveMatch drops one reference to rule.
func (a *Attachment) RemoveMatch(rule string) error {
	r, err := ParseMatchRule(rule)
	if err != nil {
		return err
	}
	key := r.String()
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.matches[key]
	if !ok {
		return buserr.NotFound(fmt.Sprintf("match rule %q is not registered", key))
	}
	e.refs--
	if e.refs <= 0 {
		delete(a.matches, key)
	}
	return nil
}

// MatchRules returns the registered rules in canonical form, sorted.
func (a *Attachment) MatchRules() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.matches))
	for key := range a.matches {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (a *Attachment) matchesBroadcast(m *wire.Message) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.matches {
		if e.rule.Matches(m) {
			return true
		}
	}
	return false
}
