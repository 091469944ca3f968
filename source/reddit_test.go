package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func redditChild(url, permalink, title string, nsfw bool) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"title":       title,
			"author":      "someone",
			"url":         url,
			"permalink":   permalink,
			"over_18":     nsfw,
			"created_utc": 1700000000.0,
			"preview": map[string]any{
				"images": []any{
					map[string]any{"source": map[string]any{"width": 1920, "height": 1080}},
				},
			},
		},
	}
}

func redditListingJSON(t *testing.T, after string, children ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"data": map[string]any{"after": after, "children": children},
	})
	if err != nil {
		t.Fatalf("marshal listing: %v", err)
	}
	return body
}

func TestRedditFetchBatches(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "fallpaper-test/1.0" {
			t.Errorf("user agent = %q", ua)
		}
		pages++
		switch r.URL.Query().Get("after") {
		case "":
			w.Write(redditListingJSON(t, "t3_page2",
				redditChild("https://i.example.com/a.jpg", "/r/wp/comments/a/", "A", false),
				redditChild("https://i.example.com/b.png", "/r/wp/comments/b/", "B", true),
				redditChild("https://example.com/not-an-image", "/r/wp/comments/c/", "C", false),
			))
		case "t3_page2":
			w.Write(redditListingJSON(t, "",
				// Repeated across pages; dedup drops it.
				redditChild("https://i.example.com/a.jpg", "/r/wp/comments/a/", "A", false),
				redditChild("https://i.example.com/d.webp", "/r/wp/comments/d/", "D", false),
			))
		default:
			t.Errorf("unexpected after cursor %q", r.URL.Query().Get("after"))
		}
	}))
	defer srv.Close()

	a := NewRedditAdapter(Options{UserAgent: "fallpaper-test/1.0", HTTPClient: srv.Client()})
	a.BaseURL = srv.URL

	params := json.RawMessage(`{"subreddit":"wallpapers","sort":"hot"}`)
	if err := a.ValidateParams(params); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var batches []Batch
	err := a.FetchBatches(context.Background(), params, 10, func(ctx context.Context, b Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if pages != 2 {
		t.Fatalf("expected 2 page fetches, got %d", pages)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	first, second := batches[0], batches[1]
	if len(first) != 2 {
		t.Fatalf("first batch: %d items", len(first))
	}
	if first[0].DownloadURL != "https://i.example.com/a.jpg" || first[0].NSFW {
		t.Fatalf("unexpected first item: %+v", first[0])
	}
	if !first[1].NSFW {
		t.Fatalf("nsfw flag dropped: %+v", first[1])
	}
	if first[0].Width != 1920 || first[0].Height != 1080 {
		t.Fatalf("preview dimensions dropped: %+v", first[0])
	}
	if first[0].SourceCreatedAt == nil {
		t.Fatalf("source created at dropped")
	}
	if len(second) != 1 || second[0].DownloadURL != "https://i.example.com/d.webp" {
		t.Fatalf("cross-page dedup failed: %+v", second)
	}
}

func TestRedditRespectsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		children := make([]map[string]any, 0, 5)
		for i := 0; i < 5; i++ {
			u := fmt.Sprintf("https://i.example.com/%s-%d.jpg", r.URL.Query().Get("after"), i)
			children = append(children, redditChild(u, "/r/wp/comments/x/", "X", false))
		}
		w.Write(redditListingJSON(t, "t3_more", children...))
	}))
	defer srv.Close()

	a := NewRedditAdapter(Options{HTTPClient: srv.Client()})
	a.BaseURL = srv.URL

	total := 0
	err := a.FetchBatches(context.Background(), json.RawMessage(`{"subreddit":"wp"}`), 7,
		func(ctx context.Context, b Batch) error {
			total += len(b)
			return nil
		})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if total != 7 {
		t.Fatalf("inspected past the lookup limit: %d items", total)
	}
}

func TestRedditValidateParams(t *testing.T) {
	a := NewRedditAdapter(Options{})
	cases := []struct {
		params string
		ok     bool
	}{
		{`{"subreddit":"wallpapers"}`, true},
		{`{"subreddit":"wallpapers","sort":"top","timeRange":"week"}`, true},
		{`{}`, false},
		{`{"subreddit":"wp","sort":"controversial"}`, false},
		{`{"subreddit":"wp","sort":"top","timeRange":"decade"}`, false},
		{`not json`, false},
	}
	for _, tc := range cases {
		err := a.ValidateParams(json.RawMessage(tc.params))
		if tc.ok && err != nil {
			t.Errorf("params %s: unexpected error %v", tc.params, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("params %s: expected error", tc.params)
		}
	}
}

func TestPagerRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := newPager(Options{HTTPClient: srv.Client()})
	var out map[string]bool
	if err := p.getJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if !out["ok"] {
		t.Fatalf("body not decoded: %v", out)
	}
}

func TestPagerDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newPager(Options{HTTPClient: srv.Client()})
	if _, err := p.get(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 404")
	}
	if calls != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls)
	}
}

func TestRegistry(t *testing.T) {
	reddit := NewRedditAdapter(Options{})
	gallery := NewGalleryAdapter(Options{})
	r := NewRegistry(reddit, gallery)

	got, err := r.Get("reddit")
	if err != nil || got != reddit {
		t.Fatalf("get reddit: %v", err)
	}
	if _, err := r.Get("ftp"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "gallery" || kinds[1] != "reddit" {
		t.Fatalf("kinds = %v", kinds)
	}
}
