package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RedditParams is the parameter shape of the "reddit" kind.
type RedditParams struct {
	Subreddit string `json:"subreddit"`
	Sort      string `json:"sort,omitempty"`      // hot, new, top, rising
	TimeRange string `json:"timeRange,omitempty"` // hour, day, week, month, year, all (top only)
}

// RedditAdapter pages a subreddit JSON listing and normalizes posts to
// candidate items.
type RedditAdapter struct {
	opts Options

	// BaseURL overrides the reddit endpoint, for tests.
	BaseURL string
}

// NewRedditAdapter returns the reddit adapter.
func NewRedditAdapter(opts Options) *RedditAdapter {
	return &RedditAdapter{opts: opts, BaseURL: "https://www.reddit.com"}
}

func (a *RedditAdapter) Kind() string { return "reddit" }

func (a *RedditAdapter) ValidateParams(params json.RawMessage) error {
	var p RedditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid reddit params: %w", err)
	}
	if p.Subreddit == "" {
		return fmt.Errorf("reddit params: subreddit is required")
	}
	switch p.Sort {
	case "", "hot", "new", "top", "rising":
	default:
		return fmt.Errorf("reddit params: invalid sort %q", p.Sort)
	}
	switch p.TimeRange {
	case "", "hour", "day", "week", "month", "year", "all":
	default:
		return fmt.Errorf("reddit params: invalid time range %q", p.TimeRange)
	}
	return nil
}

// Listing JSON as reddit returns it, reduced to the fields used here.
type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title      string  `json:"title"`
	Author     string  `json:"author"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	Over18     bool    `json:"over_18"`
	IsSelf     bool    `json:"is_self"`
	CreatedUTC float64 `json:"created_utc"`
	Preview    struct {
		Images []struct {
			Source struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
}

func (a *RedditAdapter) FetchBatches(ctx context.Context, params json.RawMessage, limit int, emit EmitFunc) error {
	var p RedditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid reddit params: %w", err)
	}
	if p.Sort == "" {
		p.Sort = "hot"
	}

	pager := newPager(a.opts)
	seen := dedup{}
	after := ""
	inspected := 0

	for inspected < limit {
		pageURL := a.listingURL(p, after, min(limit-inspected, MaxBatchSize))

		var listing redditListing
		if err := pager.getJSON(ctx, pageURL, &listing); err != nil {
			return err
		}
		if len(listing.Data.Children) == 0 {
			return nil
		}

		var batch Batch
		for _, child := range listing.Data.Children {
			if inspected >= limit {
				break
			}
			inspected++

			item, ok := normalizeRedditPost(a.BaseURL, child.Data)
			if !ok || !seen.add(item.DownloadURL) {
				continue
			}
			batch = append(batch, item)
		}

		if len(batch) > 0 {
			if err := emit(ctx, batch); err != nil {
				return err
			}
		}

		after = listing.Data.After
		if after == "" {
			return nil
		}
	}
	return nil
}

func (a *RedditAdapter) listingURL(p RedditParams, after string, count int) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", count))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
	}
	if p.Sort == "top" && p.TimeRange != "" {
		q.Set("t", p.TimeRange)
	}
	return fmt.Sprintf("%s/r/%s/%s.json?%s", a.BaseURL, p.Subreddit, p.Sort, q.Encode())
}

// normalizeRedditPost turns one post into an item. Self posts and posts
// whose URL does not look like an image are dropped.
func normalizeRedditPost(baseURL string, post redditPost) (Item, bool) {
	if post.IsSelf || !isImageURL(post.URL) {
		return Item{}, false
	}

	item := Item{
		DownloadURL: post.URL,
		WebsiteURL:  baseURL + post.Permalink,
		Title:       post.Title,
		Author:      post.Author,
		NSFW:        post.Over18,
	}
	if post.Author != "" {
		item.AuthorURL = baseURL + "/user/" + post.Author
	}
	if post.CreatedUTC > 0 {
		t := time.Unix(int64(post.CreatedUTC), 0).UTC()
		item.SourceCreatedAt = &t
	}
	if imgs := post.Preview.Images; len(imgs) > 0 {
		item.Width = imgs[0].Source.Width
		item.Height = imgs[0].Source.Height
	}
	return item, true
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

func isImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
