package download

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var documentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".rar": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".svg": true, ".bmp": true, ".ico": true, ".avif": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true,
}

// Resources groups the absolute URLs referenced by a page.
type Resources struct {
	Images    []string
	Documents []string
	Videos    []string
}

// Extract collects images, linked documents and video sources from html,
// resolved against pageURL and de-duplicated in document order.
func Extract(html, pageURL string) (Resources, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Resources{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Resources{}, fmt.Errorf("parse html: %w", err)
	}

	var res Resources
	images := newCollector(base)
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if strings.HasPrefix(strings.TrimSpace(src), "data:") {
			return
		}
		images.add(src)
	})
	res.Images = images.list

	docs := newCollector(base)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if u := docs.resolve(href); u != nil && documentExts[strings.ToLower(path.Ext(u.Path))] {
			docs.add(href)
		}
	})
	res.Documents = docs.list

	videos := newCollector(base)
	doc.Find(`video[src], video source[src], iframe[src*="youtube"], iframe[src*="vimeo"]`).Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		videos.add(src)
	})
	res.Videos = videos.list
	return res, nil
}

// ClassifyURL reports the kind of resource a URL points at based on its
// extension, or false for ordinary pages.
func ClassifyURL(rawURL string) (Kind, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case documentExts[ext]:
		return Documents, true
	case imageExts[ext]:
		return Images, true
	case videoExts[ext]:
		return Videos, true
	default:
		return "", false
	}
}

type collector struct {
	base *url.URL
	seen map[string]bool
	list []string
}

func newCollector(base *url.URL) *collector {
	return &collector{base: base, seen: map[string]bool{}}
}

func (c *collector) resolve(ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return nil
	}
	u, err := c.base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	u.Fragment = ""
	return u
}

func (c *collector) add(ref string) {
	u := c.resolve(ref)
	if u == nil {
		return
	}
	abs := u.String()
	if c.seen[abs] {
		return
	}
	c.seen[abs] = true
	c.list = append(c.list, abs)
}
