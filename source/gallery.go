package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"golang.org/x/net/html"
)

// GalleryParams is the parameter shape of the "gallery" kind.
type GalleryParams struct {
	URL      string `json:"url"`
	MaxPages int    `json:"maxPages,omitempty"`
}

const defaultGalleryMaxPages = 10

// GalleryAdapter scrapes image links from an HTML listing page, following
// rel="next" pagination links.
type GalleryAdapter struct {
	opts Options
}

// NewGalleryAdapter returns the gallery adapter.
func NewGalleryAdapter(opts Options) *GalleryAdapter {
	return &GalleryAdapter{opts: opts}
}

func (a *GalleryAdapter) Kind() string { return "gallery" }

func (a *GalleryAdapter) ValidateParams(params json.RawMessage) error {
	var p GalleryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid gallery params: %w", err)
	}
	if p.URL == "" {
		return fmt.Errorf("gallery params: url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("gallery params: invalid url %q", p.URL)
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("gallery params: maxPages must not be negative")
	}
	return nil
}

func (a *GalleryAdapter) FetchBatches(ctx context.Context, params json.RawMessage, limit int, emit EmitFunc) error {
	var p GalleryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid gallery params: %w", err)
	}
	maxPages := p.MaxPages
	if maxPages == 0 {
		maxPages = defaultGalleryMaxPages
	}

	pager := newPager(a.opts)
	seen := dedup{}
	pageURL := p.URL
	inspected := 0

	for page := 0; page < maxPages && pageURL != "" && inspected < limit; page++ {
		resp, err := pager.get(ctx, pageURL)
		if err != nil {
			return err
		}
		root, err := html.Parse(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", pageURL, err)
		}

		base, err := url.Parse(pageURL)
		if err != nil {
			return fmt.Errorf("failed to parse page url %s: %w", pageURL, err)
		}
		links, next := scrapeGalleryPage(root, base)

		var batch Batch
		for _, link := range links {
			if inspected >= limit {
				break
			}
			inspected++
			if !seen.add(link) {
				continue
			}
			batch = append(batch, Item{
				DownloadURL: link,
				WebsiteURL:  pageURL,
			})
			if len(batch) == MaxBatchSize {
				if err := emit(ctx, batch); err != nil {
					return err
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			if err := emit(ctx, batch); err != nil {
				return err
			}
		}

		pageURL = next
	}
	return nil
}

// scrapeGalleryPage walks the parse tree collecting image URLs from <img>
// src attributes and <a> hrefs that point at image files, plus the first
// rel="next" link for pagination. URLs resolve against base.
func scrapeGalleryPage(root *html.Node, base *url.URL) (links []string, next string) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "img":
				if src := attr(n, "src"); src != "" {
					if abs := resolve(base, src); abs != "" && isImageURL(abs) {
						links = append(links, abs)
					}
				}
			case "a":
				href := attr(n, "href")
				if href == "" {
					break
				}
				if attr(n, "rel") == "next" && next == "" {
					next = resolve(base, href)
					break
				}
				if abs := resolve(base, href); abs != "" && isImageURL(abs) {
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links, next
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
