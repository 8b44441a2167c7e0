package providers

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
)

// extractPreviewImage falls back to the page's share image when no media matched.
func extractPreviewImage(n *html.Node) string {
	if url := metaContent(n, "//meta[@property = 'og:image']"); url != "" {
		return url
	}
	return metaContent(n, "//meta[@name = 'twitter:image']")
}

func metaContent(n *html.Node, xpath string) string {
	elem := htmlquery.FindOne(n, xpath)
	if elem != nil {
		for _, attr := range elem.Attr {
			if attr.Key == "content" {
				return attr.Val
			}
		}
	}
	return ""
}

func selectText(n *html.Node, xpath string) string {
	node := htmlquery.FindOne(n, xpath)
	return digForText(node)
}

// selectTexts returns the non-empty text of every node matching xpath.
func selectTexts(n *html.Node, xpath string) []string {
	var out []string
	for _, node := range htmlquery.Find(n, xpath) {
		if text := digForText(node); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func digForText(n *html.Node) string {
	if n == nil {
		return ""
	}
	buf := new(bytes.Buffer)
	dig(n, buf)
	return compactWhitespace(buf.String())
}

func dig(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		dig(c, buf)
	}
}

func compactWhitespace(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.Trim(s, " ")
	return s
}
