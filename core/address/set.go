// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package address

import (
	"github.com/juju/collections/set"
)

// Set is an unordered set of addresses. It is a thin layer over the
// collections string set, keyed on the canonical text encoding, so the
// usual set semantics carry over. The zero value is not usable; start
// from NewSet.
type Set set.Strings

// NewSet returns a set holding the given addresses.
func NewSet(addrs ...Address) Set {
	s := Set(set.NewStrings())
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add puts the address in the set.
func (s Set) Add(a Address) {
	set.Strings(s).Add(a.String())
}

// Remove deletes the address from the set, if it was there.
func (s Set) Remove(a Address) {
	set.Strings(s).Remove(a.String())
}

// Contains reports whether the address is a member.
func (s Set) Contains(a Address) bool {
	return set.Strings(s).Contains(a.String())
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool {
	return set.Strings(s).IsEmpty()
}

// Size returns the number of members.
func (s Set) Size() int {
	return set.Strings(s).Size()
}

// Values returns the members in no particular order.
func (s Set) Values() []Address {
	keys := set.Strings(s).Values()
	out := make([]Address, 0, len(keys))
	for _, key := range keys {
		a, err := Parse(key)
		if err != nil {
			// Keys only enter through Add.
			continue
		}
		out = append(out, a)
	}
	return out
}

// Union returns a new set holding the members of both sets.
func (s Set) Union(other Set) Set {
	return Set(set.Strings(s).Union(set.Strings(other)))
}
