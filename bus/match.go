package bus

import (
	"strings"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

type rule struct {
	key   string
	value string
}

// Match is a D-Bus match rule. Rules keep the order they were added in, so
// String renders the exact expression handed to the bus daemon.
type Match struct {
	rules []rule
}

// NewMatch builds a match from key/value pairs, e.g.
// NewMatch("type", "signal", "member", "InterfacesAdded").
func NewMatch(kv ...string) Match {
	m := Match{}
	for i := 0; i+1 < len(kv); i += 2 {
		m.rules = append(m.rules, rule{key: kv[i], value: kv[i+1]})
	}
	return m
}

// InterfacesAddedMatch matches object manager announcements emitted at path.
func InterfacesAddedMatch(path string) Match {
	return NewMatch(
		"interface", ObjectManagerInterface,
		"type", "signal",
		"member", "InterfacesAdded",
		"path", path,
	)
}

// PropertiesChangedMatch matches property changes of the object at path.
func PropertiesChangedMatch(path string) Match {
	return NewMatch(
		"type", "signal",
		"interface", PropertiesInterface,
		"member", "PropertiesChanged",
		"path", path,
	)
}

func (m Match) String() string {
	parts := make([]string, 0, len(m.rules))
	for _, r := range m.rules {
		parts = append(parts, r.key+"='"+r.value+"'")
	}
	return strings.Join(parts, ",")
}

// ParseMatch reads a match back from its String form.
func ParseMatch(expr string) (Match, error) {
	m := Match{}

	for expr != "" {
		eq := strings.Index(expr, "='")
		if eq <= 0 {
			return Match{}, errors.Errorf("malformed match rule %q", expr)
		}

		end := strings.IndexByte(expr[eq+2:], '\'')
		if end < 0 {
			return Match{}, errors.Errorf("unterminated match rule %q", expr)
		}

		m.rules = append(m.rules, rule{key: expr[:eq], value: expr[eq+2 : eq+2+end]})

		expr = expr[eq+2+end+1:]
		if expr == "" {
			break
		}
		if expr[0] != ',' {
			return Match{}, errors.Errorf("malformed match rule %q", expr)
		}
		expr = expr[1:]
	}

	return m, nil
}

// Get returns the value of the first rule with the given key.
func (m Match) Get(key string) (string, bool) {
	for _, r := range m.rules {
		if r.key == key {
			return r.value, true
		}
	}
	return "", false
}

// Matches reports whether the signal satisfies every rule of the match.
// Unknown keys never match.
func (m Match) Matches(signal *dbus.Signal) bool {
	if signal == nil {
		return false
	}

	iface, member := splitName(signal.Name)

	for _, r := range m.rules {
		switch r.key {
		case "type":
			if r.value != "signal" {
				return false
			}
		case "interface":
			if iface != r.value {
				return false
			}
		case "member":
			if member != r.value {
				return false
			}
		case "path":
			if string(signal.Path) != r.value {
				return false
			}
		case "path_namespace":
			p := string(signal.Path)
			if p != r.value && !strings.HasPrefix(p, strings.TrimSuffix(r.value, "/")+"/") {
				return false
			}
		case "sender":
			if signal.Sender != r.value {
				return false
			}
		default:
			return false
		}
	}

	return true
}

func splitName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
