package mimas

import (
	"fmt"
	"strings"
)

// Element is a chemical element used as an anomalous scatterer.
type Element struct {
	number int
}

// AtomicNumber returns Z.
func (e Element) AtomicNumber() int { return e.number }

// String returns the element symbol with conventional capitalisation.
func (e Element) String() string {
	if e.number <= 0 || e.number > len(elementSymbols) {
		return "X"
	}
	return elementSymbols[e.number-1]
}

// ParseElement accepts an element symbol in any letter case ("se", "SE",
// "Se") and rejects anything that is not one of the known elements.
func ParseElement(symbol string) (Element, error) {
	s := strings.TrimSpace(symbol)
	if len(s) == 0 || len(s) > 2 {
		return Element{}, &ValidationError{Field: "anomalous_scatterer", Reason: fmt.Sprintf("%q is not a valid element", symbol)}
	}
	if n, ok := elementIndex[strings.ToLower(s)]; ok {
		return Element{number: n}, nil
	}
	return Element{}, &ValidationError{Field: "anomalous_scatterer", Reason: fmt.Sprintf("%q is not a valid element", symbol)}
}

var elementSymbols = [...]string{
	"H", "He", "Li", "Be", "B", "C", "N", "O", "F", "Ne",
	"Na", "Mg", "Al", "Si", "P", "S", "Cl", "Ar", "K", "Ca",
	"Sc", "Ti", "V", "Cr", "Mn", "Fe", "Co", "Ni", "Cu", "Zn",
	"Ga", "Ge", "As", "Se", "Br", "Kr", "Rb", "Sr", "Y", "Zr",
	"Nb", "Mo", "Tc", "Ru", "Rh", "Pd", "Ag", "Cd", "In", "Sn",
	"Sb", "Te", "I", "Xe", "Cs", "Ba", "La", "Ce", "Pr", "Nd",
	"Pm", "Sm", "Eu", "Gd", "Tb", "Dy", "Ho", "Er", "Tm", "Yb",
	"Lu", "Hf", "Ta", "W", "Re", "Os", "Ir", "Pt", "Au", "Hg",
	"Tl", "Pb", "Bi", "Po", "At", "Rn", "Fr", "Ra", "Ac", "Th",
	"Pa", "U", "Np", "Pu", "Am", "Cm", "Bk", "Cf", "Es", "Fm",
	"Md", "No", "Lr", "Rf", "Db", "Sg", "Bh", "Hs", "Mt", "Ds",
	"Rg", "Cn", "Nh", "Fl", "Mc", "Lv", "Ts", "Og",
}

var elementIndex = func() map[string]int {
	m := make(map[string]int, len(elementSymbols)+1)
	for i, sym := range elementSymbols {
		m[strings.ToLower(sym)] = i + 1
	}
	// deuterium
	m["d"] = 1
	return m
}()
