package news

import (
	"html"
	"strings"
	"unicode"

	xhtml "golang.org/x/net/html"
)

// allowedTags maps feed markup onto the inline subset Telegram's HTML mode accepts.
var allowedTags = map[string]string{
	"b":      "b",
	"strong": "b",
	"i":      "i",
	"em":     "i",
	"u":      "u",
	"a":      "a",
	"code":   "code",
	"pre":    "pre",
}

// dropContent lists elements whose text is never shown.
var dropContent = map[string]bool{"script": true, "style": true, "head": true, "title": true}

// breakTags become a single space.
var breakTags = map[string]bool{"br": true, "p": true, "div": true, "li": true, "tr": true}

type pieceKind int

const (
	pieceText pieceKind = iota
	pieceOpen
	pieceClose
)

type piece struct {
	kind pieceKind
	name string // tag name for open/close
	text string // unescaped text, or href for <a>
}

// Sanitize reduces feed HTML to the allow-listed inline tags, collapses whitespace and caps
// the visible text at limit runes, replacing the tail with "..." when it is longer.
// Tags left open by the cut are closed. limit <= 0 disables truncation.
// The output is safe to embed in an HTML-mode message, and Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(s string, limit int) string {
	return render(parse(s), limit)
}

// StripTags returns only the visible text of s, whitespace collapsed.
func StripTags(s string) string {
	var b strings.Builder
	for _, p := range parse(s) {
		if p.kind == pieceText {
			b.WriteString(p.text)
		}
	}
	return strings.TrimSpace(b.String())
}

func parse(s string) []piece {
	z := xhtml.NewTokenizer(strings.NewReader(s))
	var (
		out       []piece
		stack     []string // mapped names, "" for tags we dropped (e.g. <a> without a usable href)
		skip      int
		lastSpace = true
	)
	addText := func(t string) {
		var b strings.Builder
		for _, r := range t {
			if unicode.IsSpace(r) {
				if lastSpace {
					continue
				}
				lastSpace = true
				b.WriteRune(' ')
				continue
			}
			lastSpace = false
			b.WriteRune(r)
		}
		if b.Len() > 0 {
			out = append(out, piece{kind: pieceText, text: b.String()})
		}
	}

	for {
		tt := z.Next()
		switch tt {
		case xhtml.ErrorToken:
			// Trim a trailing collapsed space.
			if n := len(out); n > 0 && out[n-1].kind == pieceText {
				out[n-1].text = strings.TrimRight(out[n-1].text, " ")
				if out[n-1].text == "" {
					out = out[:n-1]
				}
			}
			return out
		case xhtml.TextToken:
			if skip == 0 {
				addText(string(z.Text()))
			}
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			raw, hasAttr := z.TagName()
			tag := string(raw)
			if dropContent[tag] {
				if tt == xhtml.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if breakTags[tag] {
				addText(" ")
				continue
			}
			mapped, ok := allowedTags[tag]
			if !ok || tt == xhtml.SelfClosingTagToken {
				continue
			}
			href := ""
			if mapped == "a" {
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "href" {
						href = strings.TrimSpace(string(v))
					}
				}
				if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
					stack = append(stack, "")
					continue
				}
			}
			stack = append(stack, mapped)
			out = append(out, piece{kind: pieceOpen, name: mapped, text: href})
		case xhtml.EndTagToken:
			raw, _ := z.TagName()
			tag := string(raw)
			if dropContent[tag] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			if breakTags[tag] {
				addText(" ")
				continue
			}
			mapped, ok := allowedTags[tag]
			if !ok {
				continue
			}
			// Close everything opened after the matching tag; ignore strays.
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == mapped || (stack[i] == "" && mapped == "a") {
					idx = i
					break
				}
			}
			if idx < 0 {
				continue
			}
			for i := len(stack) - 1; i >= idx; i-- {
				if stack[i] != "" {
					out = append(out, piece{kind: pieceClose, name: stack[i]})
				}
			}
			stack = stack[:idx]
		}
	}
}

func render(pieces []piece, limit int) string {
	total := 0
	for _, p := range pieces {
		if p.kind == pieceText {
			total += len([]rune(p.text))
		}
	}
	budget := -1
	if limit > 0 && total > limit {
		budget = max(limit-3, 0)
	}

	var (
		b    strings.Builder
		open []string
	)
	for _, p := range pieces {
		switch p.kind {
		case pieceOpen:
			if budget == 0 {
				continue
			}
			open = append(open, p.name)
			if p.name == "a" {
				b.WriteString(`<a href="` + html.EscapeString(p.text) + `">`)
			} else {
				b.WriteString("<" + p.name + ">")
			}
		case pieceClose:
			// Unbalanced closes were already dropped by parse.
			if n := len(open); n > 0 && open[n-1] == p.name {
				open = open[:n-1]
				b.WriteString("</" + p.name + ">")
			}
		case pieceText:
			if budget == 0 {
				continue
			}
			text := p.text
			if budget > 0 {
				rs := []rune(text)
				if len(rs) >= budget {
					text = strings.TrimRight(string(rs[:budget]), " ")
					budget = 0
				} else {
					budget -= len(rs)
				}
			}
			b.WriteString(html.EscapeString(text))
		}
	}
	if budget == 0 {
		b.WriteString("...")
	}
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	return b.String()
}
