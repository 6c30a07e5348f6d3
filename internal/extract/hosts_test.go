package extract

import "testing"

func TestHostPatterns(t *testing.T) {
	t.Parallel()

	m := newHostPatterns("wa.me", "*.facebook.com", " ")
	cases := []struct {
		host    string
		matched bool
	}{
		{"wa.me", true},
		{"sub.wa.me", false},
		{"facebook.com", true},
		{"de-de.Facebook.com", true},
		{"notfacebook.com", false},
		{"kita-sonnenschein.de", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := m.Match(tc.host); got != tc.matched {
			t.Fatalf("host %q matched=%v, want %v", tc.host, got, tc.matched)
		}
	}

	var none *hostPatterns
	if none.Match("facebook.com") {
		t.Fatalf("nil matcher should never match")
	}
}
