package oracle

import (
	"net/url"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// PageText converts rendered HTML into the compact markdown representation
// the oracles are prompted with. Conversion is best-effort: when the
// converter rejects the document the raw HTML is returned so the oracle
// still sees something.
func PageText(rawHTML, pageURL string) string {
	domain := ""
	if u, err := url.Parse(pageURL); err == nil {
		domain = u.Scheme + "://" + u.Host
	}
	converter := md.NewConverter(domain, true, nil)
	markdown, err := converter.ConvertString(rawHTML)
	if err != nil {
		return rawHTML
	}
	return markdown
}
