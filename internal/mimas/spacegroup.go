package mimas

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// SpaceGroup is a crystallographic space group in its standard setting.
// The zero value is not a valid space group; use ParseSpaceGroup.
type SpaceGroup struct {
	number int
	hm     string
}

// Number returns the International Tables number (1-230).
func (g SpaceGroup) Number() int { return g.number }

// HM returns the Hermann-Mauguin symbol with spaces, e.g. "P 1 21 1".
func (g SpaceGroup) HM() string { return g.hm }

// String returns the compact symbol used in processing parameters,
// e.g. "P1211" or "P43212".
func (g SpaceGroup) String() string {
	return strings.ReplaceAll(g.hm, " ", "")
}

// Sohncke reports whether the group contains only proper rotations, which
// is the case for every macromolecular crystal.
func (g SpaceGroup) Sohncke() bool {
	return sohncke[g.number]
}

var upper = cases.Upper(language.Und)

// symbolKey folds a symbol for lookup: NFC, no whitespace, upper case.
func symbolKey(symbol string) string {
	s := norm.NFC.String(symbol)
	s = strings.Join(strings.Fields(s), "")
	return upper.String(s)
}

// ParseSpaceGroup accepts a spaced or compact Hermann-Mauguin symbol, a
// common short symbol ("P21", "C2") or a space group number and returns
// the canonical space group.
func ParseSpaceGroup(symbol string) (SpaceGroup, error) {
	key := symbolKey(symbol)
	if key == "" {
		return SpaceGroup{}, &ValidationError{Field: "space_group", Reason: "empty symbol"}
	}
	if n, err := strconv.Atoi(key); err == nil {
		if n < 1 || n > len(spaceGroupHM) {
			return SpaceGroup{}, &ValidationError{Field: "space_group", Reason: fmt.Sprintf("no space group number %d", n)}
		}
		return SpaceGroup{number: n, hm: spaceGroupHM[n-1]}, nil
	}
	n, ok := spaceGroupIndex[key]
	if !ok {
		return SpaceGroup{}, &ValidationError{Field: "space_group", Reason: fmt.Sprintf("unrecognised symbol %q", symbol)}
	}
	return SpaceGroup{number: n, hm: spaceGroupHM[n-1]}, nil
}

// MustSpaceGroup is ParseSpaceGroup for literals known to be valid.
func MustSpaceGroup(symbol string) SpaceGroup {
	g, err := ParseSpaceGroup(symbol)
	if err != nil {
		panic(err)
	}
	return g
}

// spaceGroupHM lists the standard-setting symbols indexed by number-1.
// Monoclinic groups use the unique-axis-b full symbol.
var spaceGroupHM = [...]string{
	// triclinic
	"P 1", "P -1",
	// monoclinic
	"P 1 2 1", "P 1 21 1", "C 1 2 1", "P 1 m 1", "P 1 c 1", "C 1 m 1", "C 1 c 1",
	"P 1 2/m 1", "P 1 21/m 1", "C 1 2/m 1", "P 1 2/c 1", "P 1 21/c 1", "C 1 2/c 1",
	// orthorhombic
	"P 2 2 2", "P 2 2 21", "P 21 21 2", "P 21 21 21", "C 2 2 21", "C 2 2 2", "F 2 2 2",
	"I 2 2 2", "I 21 21 21", "P m m 2", "P m c 21", "P c c 2", "P m a 2", "P c a 21",
	"P n c 2", "P m n 21", "P b a 2", "P n a 21", "P n n 2", "C m m 2", "C m c 21",
	"C c c 2", "A m m 2", "A b m 2", "A m a 2", "A b a 2", "F m m 2", "F d d 2",
	"I m m 2", "I b a 2", "I m a 2", "P m m m", "P n n n", "P c c m", "P b a n",
	"P m m a", "P n n a", "P m n a", "P c c a", "P b a m", "P c c n", "P b c m",
	"P n n m", "P m m n", "P b c n", "P b c a", "P n m a", "C m c m", "C m c a",
	"C m m m", "C c c m", "C m m a", "C c c a", "F m m m", "F d d d", "I m m m",
	"I b a m", "I b c a", "I m m a",
	// tetragonal
	"P 4", "P 41", "P 42", "P 43", "I 4", "I 41", "P -4", "I -4", "P 4/m", "P 42/m",
	"P 4/n", "P 42/n", "I 4/m", "I 41/a", "P 4 2 2", "P 4 21 2", "P 41 2 2",
	"P 41 21 2", "P 42 2 2", "P 42 21 2", "P 43 2 2", "P 43 21 2", "I 4 2 2",
	"I 41 2 2", "P 4 m m", "P 4 b m", "P 42 c m", "P 42 n m", "P 4 c c", "P 4 n c",
	"P 42 m c", "P 42 b c", "I 4 m m", "I 4 c m", "I 41 m d", "I 41 c d", "P -4 2 m",
	"P -4 2 c", "P -4 21 m", "P -4 21 c", "P -4 m 2", "P -4 c 2", "P -4 b 2",
	"P -4 n 2", "I -4 m 2", "I -4 c 2", "I -4 2 m", "I -4 2 d", "P 4/m m m",
	"P 4/m c c", "P 4/n b m", "P 4/n n c", "P 4/m b m", "P 4/m n c", "P 4/n m m",
	"P 4/n c c", "P 42/m m c", "P 42/m c m", "P 42/n b c", "P 42/n n m", "P 42/m b c",
	"P 42/m n m", "P 42/n m c", "P 42/n c m", "I 4/m m m", "I 4/m c m", "I 41/a m d",
	"I 41/a c d",
	// trigonal
	"P 3", "P 31", "P 32", "R 3", "P -3", "R -3", "P 3 1 2", "P 3 2 1", "P 31 1 2",
	"P 31 2 1", "P 32 1 2", "P 32 2 1", "R 3 2", "P 3 m 1", "P 3 1 m", "P 3 c 1",
	"P 3 1 c", "R 3 m", "R 3 c", "P -3 1 m", "P -3 1 c", "P -3 m 1", "P -3 c 1",
	"R -3 m", "R -3 c",
	// hexagonal
	"P 6", "P 61", "P 65", "P 62", "P 64", "P 63", "P -6", "P 6/m", "P 63/m",
	"P 6 2 2", "P 61 2 2", "P 65 2 2", "P 62 2 2", "P 64 2 2", "P 63 2 2", "P 6 m m",
	"P 6 c c", "P 63 c m", "P 63 m c", "P -6 m 2", "P -6 c 2", "P -6 2 m", "P -6 2 c",
	"P 6/m m m", "P 6/m c c", "P 63/m c m", "P 63/m m c",
	// cubic
	"P 2 3", "F 2 3", "I 2 3", "P 21 3", "I 21 3", "P m -3", "P n -3", "F m -3",
	"F d -3", "I m -3", "P a -3", "I a -3", "P 4 3 2", "P 42 3 2", "F 4 3 2",
	"F 41 3 2", "I 4 3 2", "P 43 3 2", "P 41 3 2", "I 41 3 2", "P -4 3 m", "F -4 3 m",
	"I -4 3 m", "P -4 3 n", "F -4 3 c", "I -4 3 d", "P m -3 m", "P n -3 n", "P m -3 n",
	"P n -3 m", "F m -3 m", "F m -3 c", "F d -3 m", "F d -3 c", "I m -3 m", "I a -3 d",
}

// spaceGroupAliases maps alternative symbols onto space group numbers.
var spaceGroupAliases = map[string]int{
	"P2": 3, "P21": 4, "C2": 5, "C1211": 5, "PM": 6, "PC": 7, "CM": 8, "CC": 9,
	"P2/M": 10, "P21/M": 11, "C2/M": 12, "P2/C": 13, "P21/C": 14, "C2/C": 15,
	"H3": 146, "R3:H": 146, "H-3": 148, "R-3:H": 148, "H32": 155, "R32:H": 155,
	"CMCE": 64, "ABM2": 39, "AEM2": 39, "CMME": 67, "CCCE": 68,
}

var (
	spaceGroupIndex = buildSpaceGroupIndex()
	sohncke         = buildSohncke()
)

func buildSpaceGroupIndex() map[string]int {
	idx := make(map[string]int, len(spaceGroupHM)+len(spaceGroupAliases))
	for i, hm := range spaceGroupHM {
		idx[symbolKey(hm)] = i + 1
	}
	for alias, n := range spaceGroupAliases {
		if _, exists := idx[alias]; !exists {
			idx[alias] = n
		}
	}
	return idx
}

// buildSohncke marks groups whose symbol has no mirror, glide or inversion.
func buildSohncke() map[int]bool {
	out := make(map[int]bool, 65)
	for i, hm := range spaceGroupHM {
		fields := strings.Fields(hm)
		improper := false
		for _, f := range fields[1:] {
			if strings.ContainsAny(f, "-/abcdemn") {
				improper = true
				break
			}
		}
		if !improper {
			out[i+1] = true
		}
	}
	return out
}
