package gallery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRewritesThumbnailHostOnce(t *testing.T) {
	t.Parallel()

	n := NewURLNormalizer("", "")
	cases := map[string]string{
		"https://t3.gallery.test/galleries/1/1.jpg": "https://i3.gallery.test/galleries/1/1.jpg",
		"https://t.gallery.test/galleries/1/2.png":  "https://i.gallery.test/galleries/1/2.png",
		"https://i5.gallery.test/galleries/1/1.jpg": "https://i5.gallery.test/galleries/1/1.jpg",
		"https://cdn.test/galleries/1/t.jpg":        "https://cdn.test/galleries/1/t.jpg",
		"not a url":                                 "not a url",
		"":                                          "",
	}
	for in, want := range cases {
		once := n.Normalize(in)
		assert.Equal(t, want, once, in)
		assert.Equal(t, once, n.Normalize(once), "normalize must be idempotent for %q", in)
	}
}

func TestNormalizeCustomTokens(t *testing.T) {
	t.Parallel()

	n := NewURLNormalizer("//thumbs.", "//images.")
	assert.Equal(t, "https://images.example/a.jpg", n.Normalize("https://thumbs.example/a.jpg"))
}
