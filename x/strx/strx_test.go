package strx

import "testing"

func TestCoalesce(t *testing.T) {
	if Coalesce("", "d") != "d" || Coalesce("s", "d") != "s" {
		t.Fatal("coalesce")
	}
}

func TestSplitPair(t *testing.T) {
	cases := []struct {
		in   string
		a, b string
		ok   bool
	}{
		{"relay1:3", "relay1", "3", true},
		{"a:b:c", "a:b", "c", true},
		{"relay1", "relay1", "", false},
		{":0", "", "0", true},
	}
	for _, c := range cases {
		a, b, ok := SplitPair(c.in)
		if a != c.a || b != c.b || ok != c.ok {
			t.Errorf("%q: got %q %q %v", c.in, a, b, ok)
		}
	}
}
