// Package scope models OAuth2 scope sets. Two sets are equal when they hold
// the same members regardless of order or duplication.
package scope

import (
	"encoding/json"
	"slices"
	"strings"
)

// OpenID holds the OpenID Connect scopes. They shape the sign-in itself and
// never describe what an access token may do.
var OpenID = New("openid", "profile", "email", "offline_access")

// Set is an immutable, sorted, de-duplicated collection of scope strings.
type Set struct {
	items []string
}

// New builds a Set from individual scopes. Blank entries are dropped.
func New(scopes ...string) Set {
	items := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			items = append(items, s)
		}
	}
	slices.Sort(items)
	return Set{items: slices.Compact(items)}
}

// Parse splits a space or comma delimited scope string, as found in the
// scope parameter, the scp claim, or a config value.
func Parse(raw string) Set {
	return New(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})...)
}

func (s Set) Len() int { return len(s.items) }

func (s Set) IsEmpty() bool { return len(s.items) == 0 }

// Strings returns a copy of the members in canonical order.
func (s Set) Strings() []string {
	return slices.Clone(s.items)
}

// String is the canonical space-delimited form used on the wire and in cache keys.
func (s Set) String() string {
	return strings.Join(s.items, " ")
}

func (s Set) Contains(scope string) bool {
	_, found := slices.BinarySearch(s.items, scope)
	return found
}

func (s Set) Equal(other Set) bool {
	return slices.Equal(s.items, other.items)
}

// Intersects reports whether the two sets share at least one member.
func (s Set) Intersects(other Set) bool {
	for _, item := range other.items {
		if s.Contains(item) {
			return true
		}
	}
	return false
}

// Union returns a new set with the members of both.
func (s Set) Union(other Set) Set {
	return New(append(s.Strings(), other.items...)...)
}

// Without returns the members of s that are not in other.
func (s Set) Without(other Set) Set {
	kept := make([]string, 0, len(s.items))
	for _, item := range s.items {
		if !other.Contains(item) {
			kept = append(kept, item)
		}
	}
	return Set{items: kept}
}

func (s Set) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = New(items...)
	return nil
}
