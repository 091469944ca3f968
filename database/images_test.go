package database

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/fallpaper/fallpaper"
)

func testImage(t *testing.T, db *DB, sourceID string, n int) *fallpaper.Image {
	t.Helper()
	img := &fallpaper.Image{
		SourceID:    sourceID,
		WebsiteURL:  fmt.Sprintf("https://example.com/post/%d", n),
		DownloadURL: fmt.Sprintf("https://cdn.example.com/img/%d.jpg", n),
		Checksum:    fmt.Sprintf("%032d", n),
		Width:       1080,
		Height:      2400,
		Filesize:    1 << 20,
		Format:      "jpg",
	}
	if err := db.CreateImage(context.Background(), img); err != nil {
		t.Fatalf("create image %d: %v", n, err)
	}
	return img
}

func TestDownloadURLUnique(t *testing.T) {
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	first := testImage(t, db, src.ID, 1)

	dup := &fallpaper.Image{
		SourceID:    src.ID,
		WebsiteURL:  "https://example.com/post/other",
		DownloadURL: first.DownloadURL,
		Checksum:    "deadbeef",
		Width:       800, Height: 600,
		Format: "jpg",
	}
	if err := db.CreateImage(context.Background(), dup); !errorsIsConflict(err) {
		t.Fatalf("expected ErrConflict for duplicate download url, got %v", err)
	}
}

func TestCreateImageComputesAspectRatio(t *testing.T) {
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	img := testImage(t, db, src.ID, 1)

	got, err := db.GetImage(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	want := float64(1080) / float64(2400)
	if got.AspectRatio != want {
		t.Fatalf("aspect ratio = %f, want %f", got.AspectRatio, want)
	}
}

func TestFilterExistingDownloadURLs(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	a := testImage(t, db, src.ID, 1)
	b := testImage(t, db, src.ID, 2)

	existing, err := db.FilterExistingDownloadURLs(ctx, []string{
		a.DownloadURL, b.DownloadURL, "https://cdn.example.com/img/999.jpg",
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(existing) != 2 || !existing[a.DownloadURL] || !existing[b.DownloadURL] {
		t.Fatalf("unexpected filter result: %v", existing)
	}
	if existing["https://cdn.example.com/img/999.jpg"] {
		t.Fatalf("unknown url reported as existing")
	}

	existing, err = db.FilterExistingDownloadURLs(ctx, nil)
	if err != nil || len(existing) != 0 {
		t.Fatalf("empty input should yield empty result, got %v %v", existing, err)
	}
}

func TestListImagesPagination(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")

	const total = 25
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		img := testImage(t, db, src.ID, i)
		ids = append(ids, img.ID)
	}

	// Expected order is newest first. IDs are time ordered, so the listing
	// order is exactly the IDs sorted descending.
	want := append([]string(nil), ids...)
	sort.Sort(sort.Reverse(sort.StringSlice(want)))

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := db.ListImagesPage(ctx, cursor, 10)
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		pages++
		for _, img := range page.Images {
			got = append(got, img.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > total {
			t.Fatalf("pagination did not terminate")
		}
	}

	if len(got) != total {
		t.Fatalf("pages are not exhaustive: got %d images, want %d", len(got), total)
	}
	seen := make(map[string]bool, total)
	for _, id := range got {
		if seen[id] {
			t.Fatalf("pages are not disjoint: %s repeated", id)
		}
		seen[id] = true
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("listing order wrong at %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDeviceImageUnique(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	dev := testDevice(t, db, "phone")
	img := testImage(t, db, src.ID, 1)

	di := &fallpaper.DeviceImage{
		DeviceID:  dev.ID,
		ImageID:   img.ID,
		LocalPath: "/data/images/phone/" + img.ID + ".jpg",
	}
	if err := db.CreateDeviceImage(ctx, di); err != nil {
		t.Fatalf("create device image: %v", err)
	}

	dup := &fallpaper.DeviceImage{DeviceID: dev.ID, ImageID: img.ID, LocalPath: "/elsewhere.jpg"}
	if err := db.CreateDeviceImage(ctx, dup); !errorsIsConflict(err) {
		t.Fatalf("expected ErrConflict for duplicate placement, got %v", err)
	}

	placements, err := db.ListDeviceImagesForImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("list placements: %v", err)
	}
	if len(placements) != 1 || placements[0].LocalPath != di.LocalPath {
		t.Fatalf("unexpected placements: %+v", placements)
	}
}

func TestImagesCreatedBefore(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")

	old := testImage(t, db, src.ID, 1)
	cutoff := time.Now().Add(time.Second)

	older, err := db.ImagesCreatedBefore(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("images created before: %v", err)
	}
	if len(older) != 1 || older[0].ID != old.ID {
		t.Fatalf("expected the one old image, got %d", len(older))
	}

	older, err = db.ImagesCreatedBefore(ctx, old.CreatedAt, 10)
	if err != nil {
		t.Fatalf("images created before: %v", err)
	}
	if len(older) != 0 {
		t.Fatalf("cutoff is exclusive, got %d rows", len(older))
	}
}
