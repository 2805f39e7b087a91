package transport

import "strings"

// entity replacements applied after tag stripping, longest first.
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// HTMLToText derives a plain-text alternative from an HTML body: block-level
// closers become newlines, all other tags are dropped, common entities are
// decoded, and whitespace is collapsed. Good enough for the text/plain MIME
// part; it is not a general HTML renderer.
func HTMLToText(html string) string {
	var b strings.Builder
	b.Grow(len(html))

	inTag := false
	var tag strings.Builder
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case r == '>' && inTag:
			inTag = false
			if isBlockBreak(tag.String()) {
				b.WriteByte('\n')
			}
		case inTag:
			tag.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}

	text := entityReplacer.Replace(b.String())

	// Collapse runs of spaces/tabs and trim each line.
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// isBlockBreak reports whether a raw tag body (without angle brackets) ends a
// block-level element or forces a line break.
func isBlockBreak(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.TrimPrefix(tag, "/")
	if i := strings.IndexAny(tag, " \t/"); i >= 0 {
		tag = tag[:i]
	}
	switch tag {
	case "br", "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6", "table":
		return true
	}
	return false
}
