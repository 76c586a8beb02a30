package tgui

import "testing"

func TestTrunc(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fn   func(string, int) string
		in   string
		n    int
		want string
	}{
		{TruncRunes, "привет", 3, "при…"},
		{TruncRunes, "abc", 3, "abc"},
		{TruncRunes, "abc", 0, ""},
		{TruncDots, "abcdefghij", 6, "abc..."},
		{TruncDots, "abcdef", 6, "abcdef"},
		{TruncDots, "abcdef", 2, "ab"},
	}
	for _, tc := range cases {
		if got := tc.fn(tc.in, tc.n); got != tc.want {
			t.Fatalf("trunc(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()

	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Link("x&y", `https://e.com/?q="1"`); got != `<a href="https://e.com/?q=&#34;1&#34;">x&amp;y</a>` {
		t.Fatalf("Link = %q", got)
	}
	if got := JoinH(", ", B("a"), "", " ", I("b")); got != "<b>a</b>, <i>b</i>" {
		t.Fatalf("JoinH = %q", got)
	}
	var l Lines
	l.Add(B("t")).Addf(Esc("k: "), Code("v"))
	if l.String() != "<b>t</b>\nk: <code>v</code>" || l.Len() != 2 {
		t.Fatalf("Lines = %q", l.String())
	}
}
