package gallery

import "strings"

// Default host tokens used when rewriting thumbnail URLs.
const (
	DefaultThumbnailToken = "//t"
	DefaultImageToken     = "//i"
)

// URLNormalizer rewrites thumbnail-domain URLs to their full-image domain.
type URLNormalizer struct {
	ThumbnailToken string
	ImageToken     string
}

// NewURLNormalizer returns a normalizer, falling back to the default tokens.
func NewURLNormalizer(thumbToken, imageToken string) URLNormalizer {
	if thumbToken == "" {
		thumbToken = DefaultThumbnailToken
	}
	if imageToken == "" {
		imageToken = DefaultImageToken
	}
	return URLNormalizer{ThumbnailToken: thumbToken, ImageToken: imageToken}
}

// Normalize substitutes the host token once when raw starts with the
// thumbnail token right after its scheme. Applying it twice is a no-op.
func (n URLNormalizer) Normalize(raw string) string {
	idx := strings.Index(raw, "//")
	if idx < 0 || n.ThumbnailToken == "" {
		return raw
	}
	rest := raw[idx:]
	if !strings.HasPrefix(rest, n.ThumbnailToken) || strings.HasPrefix(rest, n.ImageToken) {
		return raw
	}
	return raw[:idx] + n.ImageToken + rest[len(n.ThumbnailToken):]
}
