package archive

import (
	"cmp"
	"slices"
)

// sortFixture orders fixture entries so identical archives serialise identically.
func sortFixture(fx *fixture) {
	slices.SortFunc(fx.Fields, func(a, b fixtureField) int {
		if n := a.Timestamp.Compare(b.Timestamp); n != 0 {
			return n
		}
		if n := cmp.Compare(a.Variable, b.Variable); n != 0 {
			return n
		}
		if n := cmp.Compare(a.Level.Kind, b.Level.Kind); n != 0 {
			return n
		}
		return cmp.Compare(a.Level.HPa, b.Level.HPa)
	})
	slices.SortFunc(fx.Labels, func(a, b fixtureLabel) int { return a.Timestamp.Compare(b.Timestamp) })
}
