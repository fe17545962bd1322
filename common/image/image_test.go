package image_test

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	img "github.com/fluxgate/fluxgate/common/image"
)

// 1x1 transparent PNG
const b64PNG1x1 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAusB9YwVf0sAAAAASUVORK5CYII="

// 1x1 GIF
const b64GIF1x1 = "R0lGODlhAQABAPAAAP///wAAACH5BAAAAAAALAAAAAABAAEAAAICRAEAOw=="

func pngServer(t *testing.T) *httptest.Server {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64PNG1x1)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/image.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(raw)
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetImageFromUrlDataURL(t *testing.T) {
	t.Parallel()

	input := "data:image/png;base64," + b64PNG1x1
	mimeType, data, err := img.GetImageFromUrl(input)
	require.NoError(t, err)
	require.Equal(t, "image/png", mimeType)
	require.Equal(t, b64PNG1x1, data)
}

func TestGetImageFromUrlRemote(t *testing.T) {
	srv := pngServer(t)

	mimeType, data, err := img.GetImageFromUrl(srv.URL + "/image.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", mimeType)
	require.Equal(t, b64PNG1x1, data)
}

func TestGetImageFromUrlRejectsNonImage(t *testing.T) {
	srv := pngServer(t)

	_, _, err := img.GetImageFromUrl(srv.URL + "/page.html")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid content type")
}

func TestGetImageFromUrlMissing(t *testing.T) {
	srv := pngServer(t)

	_, _, err := img.GetImageFromUrl(srv.URL + "/nonexistent.jpg")
	require.Error(t, err)
}

func TestGetImageSizeFromBase64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		b64    string
		width  int
		height int
	}{
		{name: "PNG_1x1", b64: b64PNG1x1, width: 1, height: 1},
		{name: "GIF_1x1", b64: b64GIF1x1, width: 1, height: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			width, height, err := img.GetImageSizeFromBase64(tt.b64)
			require.NoError(t, err)
			require.Equal(t, tt.width, width)
			require.Equal(t, tt.height, height)
		})
	}
}

func TestGetImageSizeDataURL(t *testing.T) {
	t.Parallel()

	width, height, err := img.GetImageSize("data:image/png;base64," + b64PNG1x1)
	require.NoError(t, err)
	require.Equal(t, 1, width)
	require.Equal(t, 1, height)
}
