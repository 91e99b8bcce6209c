// internal/snapshot/markup.go
package snapshot

import (
	"io"
	"strings"
	"unicode"

	xhtml "golang.org/x/net/html"
)

// attributes worth showing the decision service. Everything else is noise.
var keptAttributes = map[string]bool{
	"id":            true,
	"name":          true,
	"type":          true,
	"value":         true,
	"placeholder":   true,
	"aria-label":    true,
	"role":          true,
	"href":          true,
	"title":         true,
	"alt":           true,
	"for":           true,
	"checked":       true,
	"selected":      true,
	"data-testid":   true,
	"aria-expanded": true,
}

var voidElements = map[string]bool{
	"input": true, "img": true, "br": true, "hr": true, "area": true, "source": true,
}

const maxAttrValueLength = 80

// Compact reduces an element's outer HTML to its tag, a short list of
// attributes and its collapsed text, truncated to maxText characters.
func Compact(raw string, maxText int) string {
	z := xhtml.NewTokenizer(strings.NewReader(raw))

	var (
		tag  string
		head strings.Builder
		text strings.Builder
	)

	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			if z.Err() != io.EOF {
				return strings.TrimSpace(raw)
			}
			break
		}
		tok := z.Token()
		switch tt {
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			if tag == "" {
				tag = tok.Data
				head.WriteString("<" + tag)
				for _, a := range tok.Attr {
					if !keptAttributes[a.Key] {
						continue
					}
					head.WriteString(" " + a.Key)
					if a.Val != "" {
						head.WriteString(`="` + xhtml.EscapeString(truncate(a.Val, maxAttrValueLength)) + `"`)
					}
				}
				head.WriteString(">")
				continue
			}
			// Nested images and inputs carry meaning through their labels.
			for _, a := range tok.Attr {
				if a.Key == "alt" || a.Key == "aria-label" {
					text.WriteString(" " + a.Val + " ")
				}
			}
		case xhtml.TextToken:
			text.WriteString(tok.Data)
			text.WriteString(" ")
		}
	}

	if tag == "" {
		return truncate(collapse(raw), maxText)
	}
	if voidElements[tag] {
		return head.String()
	}
	return head.String() + xhtml.EscapeString(truncate(collapse(text.String()), maxText)) + "</" + tag + ">"
}

func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
