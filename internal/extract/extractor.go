// Package extract parses upstream gallery pages into records.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

var (
	doubleQuoted = regexp.MustCompile(`(?s)JSON\.parse\(\s*"((?:[^"\\]|\\.)*)"\s*\)`)
	singleQuoted = regexp.MustCompile(`(?s)JSON\.parse\(\s*'((?:[^'\\]|\\.)*)'\s*\)`)
)

var imageExt = map[string]string{
	"j": "jpg",
	"p": "png",
	"g": "gif",
	"w": "webp",
}

// Config names the hosts used when the page omits an image element.
type Config struct {
	ImageBaseURL     string
	ThumbnailBaseURL string
}

// Extractor implements gallery.Extractor for the target's gallery pages.
type Extractor struct {
	imageBase string
	thumbBase string
}

// New returns an Extractor.
func New(cfg Config) *Extractor {
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = "https://i.nhentai.net"
	}
	if cfg.ThumbnailBaseURL == "" {
		cfg.ThumbnailBaseURL = "https://t.nhentai.net"
	}
	return &Extractor{
		imageBase: strings.TrimRight(cfg.ImageBaseURL, "/"),
		thumbBase: strings.TrimRight(cfg.ThumbnailBaseURL, "/"),
	}
}

type imageInfo struct {
	Type   string `json:"t"`
	Width  int    `json:"w"`
	Height int    `json:"h"`
}

type payload struct {
	ID      json.Number   `json:"id"`
	MediaID flexString    `json:"media_id"`
	Title   gallery.Title `json:"title"`
	Tags    []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"tags"`
	Images struct {
		Cover imageInfo   `json:"cover"`
		Pages []imageInfo `json:"pages"`
	} `json:"images"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Extract decodes the embedded gallery payload and pairs its pages with the
// thumbnails listed in the page body.
func (e *Extractor) Extract(raw []byte) (gallery.Record, error) {
	p, err := decodePayload(raw)
	if err != nil {
		return gallery.Record{}, err
	}
	id, err := strconv.Atoi(p.ID.String())
	if err != nil || id <= 0 {
		return gallery.Record{}, fmt.Errorf("invalid gallery id %q", p.ID.String())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return gallery.Record{}, fmt.Errorf("parse html: %w", err)
	}

	mediaID := string(p.MediaID)
	record := gallery.Record{
		ID:      id,
		MediaID: mediaID,
		Title:   p.Title,
		Tags:    make([]string, 0, len(p.Tags)),
		Pages:   make([]gallery.Page, 0, len(p.Images.Pages)),
	}
	for _, tag := range p.Tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			record.Tags = append(record.Tags, name)
		}
	}

	thumbs := doc.Find("div.thumbs div.thumb-container img").Map(func(_ int, s *goquery.Selection) string {
		return strings.TrimSpace(s.AttrOr("data-src", ""))
	})
	for i, info := range p.Images.Pages {
		page := gallery.Page{Width: info.Width, Height: info.Height}
		if i < len(thumbs) && thumbs[i] != "" {
			page.ThumbnailURL = thumbs[i]
			page.URL = fullSizeURL(thumbs[i])
		} else {
			page.URL = e.buildURL(e.imageBase, mediaID, strconv.Itoa(i+1), info.Type)
			page.ThumbnailURL = e.buildURL(e.thumbBase, mediaID, strconv.Itoa(i+1)+"t", info.Type)
		}
		record.Pages = append(record.Pages, page)
	}

	cover := p.Images.Cover
	record.Cover = gallery.Page{Width: cover.Width, Height: cover.Height}
	if src := strings.TrimSpace(doc.Find("#cover img").AttrOr("data-src", "")); src != "" {
		record.Cover.URL = src
	} else if mediaID != "" {
		record.Cover.URL = e.buildURL(e.thumbBase, mediaID, "cover", cover.Type)
	}
	return record, nil
}

func decodePayload(raw []byte) (payload, error) {
	var literal string
	if m := doubleQuoted.FindSubmatch(raw); m != nil {
		literal = string(m[1])
	} else if m := singleQuoted.FindSubmatch(raw); m != nil {
		literal = string(m[1])
	} else {
		return payload{}, gallery.ErrNoPayload
	}

	text, err := unescape(literal)
	if err != nil {
		return payload{}, fmt.Errorf("unescape payload: %w", err)
	}
	var p payload
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// unescape decodes a script string literal body. JSON string escapes cover
// everything except \' and \x, which are rewritten first, and bare double
// quotes, which only occur in single-quoted literals.
func unescape(literal string) (string, error) {
	var b strings.Builder
	b.Grow(len(literal))
	for i := 0; i < len(literal); i++ {
		c := literal[i]
		if c == '"' {
			b.WriteString(`\"`)
			continue
		}
		if c != '\\' || i+1 >= len(literal) {
			b.WriteByte(c)
			continue
		}
		next := literal[i+1]
		switch {
		case next == '\'':
			b.WriteByte('\'')
			i++
		case next == 'x' && i+3 < len(literal):
			v, err := strconv.ParseUint(literal[i+2:i+4], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad hex escape at %d", i)
			}
			fmt.Fprintf(&b, `\u%04x`, v)
			i += 3
		default:
			b.WriteByte(c)
			b.WriteByte(next)
			i++
		}
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+b.String()+`"`), &out); err != nil {
		return "", err
	}
	if out == "" {
		return "", errors.New("empty payload")
	}
	return out, nil
}

// fullSizeURL drops the thumbnail suffix before the first dot of the file
// name: ".../3t.jpg" becomes ".../3.jpg" and ".../3t.jpg.webp" ".../3.jpg.webp".
func fullSizeURL(thumb string) string {
	slash := strings.LastIndex(thumb, "/")
	rel := strings.Index(thumb[slash+1:], ".")
	if rel <= 0 {
		return thumb
	}
	dot := slash + 1 + rel
	if thumb[dot-1] != 't' {
		return thumb
	}
	return thumb[:dot-1] + thumb[dot:]
}

func (e *Extractor) buildURL(base, mediaID, name, kind string) string {
	ext, ok := imageExt[kind]
	if !ok {
		ext = "jpg"
	}
	return fmt.Sprintf("%s/galleries/%s/%s.%s", base, mediaID, name, ext)
}

var _ gallery.Extractor = (*Extractor)(nil)
