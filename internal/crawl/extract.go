package crawl

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/okpulse/crawlstats/internal/core"
)

// Extract pulls anchor hrefs and visible words out of an HTML page. The
// returned base honours a <base href> element and falls back to pageURL.
func Extract(pageURL string, body []byte) (base string, hrefs, words []string) {
	base = pageURL
	if len(body) == 0 {
		return base, nil, nil
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return base, nil, nil
	}
	doc := goquery.NewDocumentFromNode(root)

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := core.Canonicalize(pageURL, href); err == nil {
			base = b
		}
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if h := strings.TrimSpace(s.AttrOr("href", "")); h != "" {
			hrefs = append(hrefs, h)
		}
	})

	doc.Find("script, style, noscript, template").Remove()
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	for _, n := range doc.Find("body").Nodes {
		f(n)
	}
	return base, hrefs, words
}
