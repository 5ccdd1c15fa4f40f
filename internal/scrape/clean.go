package scrape

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxTextRunes caps the cleaned page text handed to the extractor.
const MaxTextRunes = 50_000

// spaTextThreshold is the visible body text length under which a page with
// an empty app mount point is considered unrendered.
const spaTextThreshold = 500

var skipped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Img:      true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Main: true, atom.Aside: true,
	atom.Nav: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Blockquote: true, atom.Pre: true, atom.Form: true, atom.Figure: true,
}

var headings = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// Clean converts an HTML document into markdown-ish plain text: headings get
// # prefixes, list items get "* ", links become [text](href) and scripts,
// styles and images are dropped. The result is truncated to MaxTextRunes.
func Clean(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return truncateRunes(strings.TrimSpace(raw), MaxTextRunes)
	}

	w := &textWriter{}
	w.walk(doc)
	return truncateRunes(tidy(w.b.String()), MaxTextRunes)
}

type textWriter struct {
	b strings.Builder
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
	}

	if n.Type == html.ElementNode {
		switch {
		case n.DataAtom == atom.Br:
			w.b.WriteByte('\n')
			return
		case n.DataAtom == atom.Hr:
			w.para()
			w.b.WriteString("* * *")
			w.para()
			return
		case n.DataAtom == atom.A:
			w.link(n)
			return
		case n.DataAtom == atom.Li:
			w.line()
			w.b.WriteString("* ")
			w.children(n)
			w.line()
			return
		case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
			w.children(n)
			w.b.WriteString(" | ")
			return
		case headings[n.DataAtom] > 0:
			w.para()
			w.b.WriteString(strings.Repeat("#", headings[n.DataAtom]) + " ")
			w.children(n)
			w.para()
			return
		case n.DataAtom == atom.Strong || n.DataAtom == atom.B:
			w.b.WriteString("**")
			w.children(n)
			w.b.WriteString("**")
			return
		case blocks[n.DataAtom]:
			w.para()
			w.children(n)
			w.para()
			return
		}
	}
	w.children(n)
}

func (w *textWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *textWriter) text(s string) {
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == "" {
		if s != "" {
			w.space()
		}
		return
	}
	if unicode.IsSpace(rune(s[0])) {
		w.space()
	}
	w.b.WriteString(collapsed)
	if unicode.IsSpace(rune(s[len(s)-1])) {
		w.space()
	}
}

func (w *textWriter) link(n *html.Node) {
	inner := &textWriter{}
	inner.children(n)
	label := strings.Join(strings.Fields(inner.b.String()), " ")
	href := strings.TrimSpace(attr(n, "href"))

	switch {
	case label == "":
		return
	case href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:"):
		w.b.WriteString(label)
	default:
		w.b.WriteString("[" + label + "](" + href + ")")
	}
}

func (w *textWriter) space() {
	s := w.b.String()
	if s == "" || strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n") {
		return
	}
	w.b.WriteByte(' ')
}

func (w *textWriter) line() {
	s := w.b.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		w.b.WriteByte('\n')
	}
}

func (w *textWriter) para() {
	w.line()
	if !strings.HasSuffix(w.b.String(), "\n\n") && w.b.Len() > 0 {
		w.b.WriteByte('\n')
	}
}

// tidy trims every line and collapses runs of blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(l), "|"))
		if l == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, l)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// LooksLikeSPAShell reports whether raw is a client-rendered app shell with
// no listing content yet: an empty #root/#app style mount point, plus either
// a <noscript> notice or under 500 characters of visible body text.
func LooksLikeSPAShell(raw string) bool {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return false
	}

	var (
		emptyMount  bool
		hasNoscript bool
		body        *html.Node
	)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Body:
				body = n
			case atom.Noscript:
				hasNoscript = true
			}
			if isMountPoint(n) && strings.TrimSpace(visibleText(n)) == "" {
				emptyMount = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	if !emptyMount {
		return false
	}
	if hasNoscript {
		return true
	}
	return body == nil || len([]rune(strings.TrimSpace(visibleText(body)))) < spaTextThreshold
}

var mountIDs = map[string]bool{"root": true, "app": true, "__next": true, "__nuxt": true}

func isMountPoint(n *html.Node) bool {
	return n.DataAtom == atom.Div && mountIDs[strings.ToLower(attr(n, "id"))]
}

func visibleText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Noscript) {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}
