package namekey

import "testing"

func TestNormalizeCollapsesVariants(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Ali Raza", "ali raza"},
		{"diacritics", "Alí Razá", "ali raza"},
		{"punctuation", "ali raza,", "ali raza"},
		{"extra whitespace", "  Ali\t Raza ", "ali raza"},
		{"upper", "ALI RAZA", "ali raza"},
		{"hyphenated", "Jean-Luc O'Neil", "jean luc o neil"},
		{"empty", "   ", ""},
		{"digits kept", "Ali Raza 2", "ali raza 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			if got != tc.want {
				t.Fatalf("got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"Alí Razá", "SÁRA   müller", "o'brien, séamus", "张伟", "Ñoño Pérez-García"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestNormalizeDistinctNamesStayDistinct(t *testing.T) {
	if Normalize("Ali Raza") == Normalize("Ali Reza") {
		t.Fatalf("distinct names collapsed")
	}
}
