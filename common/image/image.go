// Package image fetches and inspects user-supplied images so the relay
// can inline them for upstreams that only accept base64 payloads.
package image

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common/config"
)

// httpClient fetches user-supplied image URLs. It is separate from the
// relay transport so a slow image host cannot tie up upstream connections.
var httpClient = &http.Client{Timeout: 30 * time.Second}

var dataURLPattern = regexp.MustCompile(`^data:image/([^;]+);base64,(.*)$`)

// GetImageFromUrl returns the image behind url as a mime type plus
// base64 payload. Data URLs are unwrapped without a network round trip.
func GetImageFromUrl(url string) (mimeType string, data string, err error) {
	if m := dataURLPattern.FindStringSubmatch(url); len(m) == 3 {
		return "image/" + m[1], m[2], nil
	}

	raw, contentType, err := fetchImage(url)
	if err != nil {
		return "", "", err
	}
	return contentType, base64.StdEncoding.EncodeToString(raw), nil
}

// GetImageSize reports the pixel dimensions of a data URL or remote
// image without keeping the decoded pixels.
func GetImageSize(url string) (width int, height int, err error) {
	if strings.HasPrefix(url, "data:image/") {
		return GetImageSizeFromBase64(url)
	}
	raw, _, err := fetchImage(url)
	if err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, errors.Wrap(err, "decode image")
	}
	return cfg.Width, cfg.Height, nil
}

// GetImageSizeFromBase64 accepts either a bare base64 payload or a full
// data URL.
func GetImageSizeFromBase64(encoded string) (width int, height int, err error) {
	if m := dataURLPattern.FindStringSubmatch(encoded); len(m) == 3 {
		encoded = m[2]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, 0, errors.Wrap(err, "decode base64 image")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, errors.Wrap(err, "decode image")
	}
	return cfg.Width, cfg.Height, nil
}

// fetchImage downloads url, enforcing the content type and the inline
// size limit. The limit is applied to the actual body, not the
// Content-Length header, since the header is advisory.
func fetchImage(url string) (raw []byte, contentType string, err error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, "", errors.Wrapf(err, "fetch image %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("fetch image %s: status %d", url, resp.StatusCode)
	}
	contentType = strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") &&
		!strings.Contains(contentType, "application/octet-stream") {
		return nil, "", errors.Errorf("invalid content type %q, expected an image", contentType)
	}

	maxSize := int64(config.MaxInlineImageSizeMB) * 1024 * 1024
	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "read image body")
	}
	if int64(len(raw)) > maxSize {
		return nil, "", errors.Errorf("image exceeds %dMB limit", config.MaxInlineImageSizeMB)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}
