package processor

import (
	"bytes"
	"fmt"
	"image"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// supportedFormats maps canonical format tags to themselves; lookups also
// normalize aliases like "jpeg".
var supportedFormats = map[string]string{
	"jpg":  "jpg",
	"jpeg": "jpg",
	"png":  "png",
	"gif":  "gif",
	"webp": "webp",
}

// DetectFormat resolves the image format tag from the response content type,
// falling back to the download URL extension and finally to sniffing the
// bytes. Empty return means the format is not a supported image type.
func DetectFormat(contentType, downloadURL string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if f, ok := strings.CutPrefix(mt, "image/"); ok {
			if canonical, ok := supportedFormats[f]; ok {
				return canonical
			}
		}
	}

	if u, err := url.Parse(downloadURL); err == nil {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
		if canonical, ok := supportedFormats[ext]; ok {
			return canonical
		}
	}

	sniffed := http.DetectContentType(data)
	if f, ok := strings.CutPrefix(sniffed, "image/"); ok {
		if canonical, ok := supportedFormats[f]; ok {
			return canonical
		}
	}
	return ""
}

// DetectDimensions reads width and height from the encoded bytes. JPEG,
// PNG, GIF and WebP (VP8, VP8L, VP8X) are supported.
func DetectDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to detect dimensions: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
