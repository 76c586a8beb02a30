package tgui

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	return truncWith(s, n, "…")
}

// TruncDots is TruncRunes with a three-dot marker: the result, marker included,
// is at most n runes.
func TruncDots(s string, n int) string {
	if n <= 3 {
		return truncWith(s, n, "")
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return truncWith(s, n-3, "") + "..."
}

func truncWith(s string, n int, marker string) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + marker
		}
	}
	return s
}
