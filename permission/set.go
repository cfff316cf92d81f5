package permission

import "sort"

// Set is either All or a finite set of codes. The zero value is the empty set.
// A code literally named "*" inside a finite set is an ordinary member and
// does not grant anything else.
type Set struct {
	all   bool
	codes map[string]struct{}
}

// All returns the unrestricted set.
func All() Set { return Set{all: true} }

// NewSet builds a finite set.
func NewSet(codes ...string) Set {
	s := Set{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		s.codes[c] = struct{}{}
	}
	return s
}

// IsAll reports whether s is the unrestricted set.
func (s Set) IsAll() bool { return s.all }

// Has reports membership; All contains every code.
func (s Set) Has(code string) bool {
	if s.all {
		return true
	}
	_, ok := s.codes[code]
	return ok
}

// HasAll reports whether every code is a member.
func (s Set) HasAll(codes ...string) bool {
	for _, c := range codes {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Missing returns the codes that are not members, in input order.
func (s Set) Missing(codes ...string) []string {
	if s.all {
		return nil
	}
	var out []string
	for _, c := range codes {
		if !s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Codes returns the sorted members of a finite set, or nil for All.
func (s Set) Codes() []string {
	if s.all {
		return nil
	}
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len is the member count of a finite set, or -1 for All.
func (s Set) Len() int {
	if s.all {
		return -1
	}
	return len(s.codes)
}

// Equal compares two sets.
func (s Set) Equal(o Set) bool {
	if s.all || o.all {
		return s.all == o.all
	}
	if len(s.codes) != len(o.codes) {
		return false
	}
	for c := range s.codes {
		if _, ok := o.codes[c]; !ok {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	if s.all {
		return "{*all*}"
	}
	out := "{"
	for i, c := range s.Codes() {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out + "}"
}

// effective applies role grants and overrides. A wildcard in grants or
// additions yields All and removals are then ignored.
func effective(grants, add, remove []string) Set {
	for _, c := range grants {
		if c == Wildcard {
			return All()
		}
	}
	for _, c := range add {
		if c == Wildcard {
			return All()
		}
	}
	s := NewSet(grants...)
	for _, c := range add {
		s.codes[c] = struct{}{}
	}
	for _, c := range remove {
		delete(s.codes, c)
	}
	return s
}
