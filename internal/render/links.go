package render

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Scope limits link following to a site and its subdomains.
type Scope struct {
	Host string
}

// NewScope derives the scope from the crawl's start URL.
func NewScope(startURL string) (Scope, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return Scope{}, fmt.Errorf("parse start url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Scope{}, fmt.Errorf("start url %q has no host", startURL)
	}
	return Scope{Host: strings.TrimPrefix(host, "www.")}, nil
}

// Contains reports whether u is on the scope host or one of its subdomains.
func (s Scope) Contains(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == s.Host || strings.HasSuffix(host, "."+s.Host)
}

// EnumerateLinks returns the absolute http(s) targets of html's anchors that
// fall inside scope, without fragments, de-duplicated in document order.
func EnumerateLinks(html, base string, scope Scope) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = b
		}
	}

	seen := map[string]bool{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := baseURL.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !scope.Contains(u) {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		abs := u.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links, nil
}
