package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", "gallery.html"))
	require.NoError(t, err)
	return raw
}

func TestExtractFixture(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Extract(loadFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 123456, rec.ID)
	assert.Equal(t, "998877", rec.MediaID)
	assert.Equal(t, "[Circle] Sample Gallery", rec.Title.English)
	assert.Equal(t, "サンプル", rec.Title.Japanese)
	assert.Equal(t, []string{"english", "full color"}, rec.Tags)
	assert.Equal(t, "https://t3.gallery.test/galleries/998877/cover.jpg", rec.Cover.URL)

	require.Len(t, rec.Pages, 2)
	assert.Equal(t, gallery.Page{
		URL:          "https://t3.gallery.test/galleries/998877/1.jpg",
		ThumbnailURL: "https://t3.gallery.test/galleries/998877/1t.jpg",
		Width:        1280,
		Height:       1810,
	}, rec.Pages[0])
	assert.Equal(t, "https://t3.gallery.test/galleries/998877/2.png", rec.Pages[1].URL)
}

func TestExtractWithoutThumbnails(t *testing.T) {
	t.Parallel()

	page := `<html><body><script>var g = JSON.parse('{"id":"77","media_id":5150,` +
		`"title":{"pretty":"It\'s here"},"tags":[],` +
		`"images":{"cover":{"t":"p"},"pages":[{"t":"w"},{"t":"g"}]}}');</script></body></html>`

	rec, err := New(Config{ImageBaseURL: "https://i.example", ThumbnailBaseURL: "https://t.example/"}).Extract([]byte(page))
	require.NoError(t, err)

	assert.Equal(t, 77, rec.ID)
	assert.Equal(t, "5150", rec.MediaID)
	assert.Equal(t, "It's here", rec.Title.Pretty)
	assert.Empty(t, rec.Tags)
	assert.Equal(t, "https://t.example/galleries/5150/cover.png", rec.Cover.URL)
	require.Len(t, rec.Pages, 2)
	assert.Equal(t, "https://i.example/galleries/5150/1.webp", rec.Pages[0].URL)
	assert.Equal(t, "https://t.example/galleries/5150/1t.webp", rec.Pages[0].ThumbnailURL)
	assert.Equal(t, "https://i.example/galleries/5150/2.gif", rec.Pages[1].URL)
}

func TestExtractFailures(t *testing.T) {
	t.Parallel()

	ex := New(Config{})
	cases := map[string]string{
		"no payload":   `<html><body>nothing to see</body></html>`,
		"bad json":     `<script>JSON.parse("{\u0022id\u0022: ");</script>`,
		"missing id":   `<script>JSON.parse("{\u0022media_id\u0022: \u00221\u0022}");</script>`,
		"negative id":  `<script>JSON.parse("{\u0022id\u0022: -4}");</script>`,
		"empty string": `<script>JSON.parse("");</script>`,
	}
	for name, page := range cases {
		_, err := ex.Extract([]byte(page))
		assert.Error(t, err, name)
	}

	_, err := ex.Extract([]byte(cases["no payload"]))
	assert.True(t, errors.Is(err, gallery.ErrNoPayload))
}

func TestFullSizeURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://t1.host/galleries/1/3.jpg", fullSizeURL("https://t1.host/galleries/1/3t.jpg"))
	assert.Equal(t, "https://t1.host/galleries/1/3.jpg", fullSizeURL("https://t1.host/galleries/1/3.jpg"))
	assert.Equal(t, "https://t1.host/galleries/1/cover", fullSizeURL("https://t1.host/galleries/1/cover"))
	assert.Equal(t, "https://t1.host/galleries/1/3.jpg.webp", fullSizeURL("https://t1.host/galleries/1/3t.jpg.webp"))
	assert.Equal(t, "https://t1.host/galleries/1/3.webp.webp", fullSizeURL("https://t1.host/galleries/1/3t.webp.webp"))
	assert.Equal(t, "https://t1.host/galleries/1/.jpg", fullSizeURL("https://t1.host/galleries/1/.jpg"))
}
