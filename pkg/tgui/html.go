package tgui

import (
	"html"
	"strings"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link builds an HTML link. The href is attribute-escaped.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines is an append-only builder for multi-line messages.
type Lines struct {
	parts []H
}

func (l *Lines) Add(h H) *Lines { l.parts = append(l.parts, h); return l }

// Addf appends a line made of pre-escaped fragments.
func (l *Lines) Addf(parts ...H) *Lines {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.String())
	}
	return l.Add(H(b.String()))
}

func (l *Lines) Len() int { return len(l.parts) }

func (l *Lines) String() string {
	ss := make([]string, len(l.parts))
	for i, p := range l.parts {
		ss[i] = p.String()
	}
	return strings.Join(ss, "\n")
}
