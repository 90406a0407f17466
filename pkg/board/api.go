// Package board translates the sandbox-friendly search/link wire format to
// the upstream image-board posts API. Clients first GET /s/<query>, receive
// a search map naming numbered resources, and then fetch those resources
// through /link/<id> until their timers expire.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// ExcludeTags is appended to every search. The upstream serves explicit
// content; these keep out what the proxy must never return.
const ExcludeTags = "-young -type:webm -type:gif"

// DefaultUserAgent identifies the proxy to the upstream, which rejects
// anonymous clients.
const DefaultUserAgent = "e6proxy/0.0 (by fluffiac :3)"

// searchLimit is the fixed page size; the sandbox renderer shows a 10x2 grid.
const searchLimit = 20

// Post is one post from the upstream posts API.
type Post struct {
	ID      int64   `json:"id"`
	File    File    `json:"file"`
	Preview Preview `json:"preview"`
	Sample  Sample  `json:"sample"`
	Score   Score   `json:"score"`
	Rating  string  `json:"rating"`
}

type File struct {
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	Ext    string `json:"ext"`
	Size   int64  `json:"size"`
	MD5    string `json:"md5"`
	URL    string `json:"url"`
}

type Preview struct {
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	URL    string `json:"url"`
}

type Sample struct {
	Has    bool   `json:"has"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	URL    string `json:"url"`
}

type Score struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Image is a fetched resource body plus its content type.
type Image struct {
	Data []byte
	MIME string
}

// Client talks to the upstream posts API with the configured authorization.
type Client struct {
	BaseURL   string // e.g. https://e621.net
	Auth      string // Authorization header value, may be empty
	UserAgent string
	HTTP      *http.Client
}

// NewClient builds an API client with sane timeouts.
func NewClient(baseURL, auth string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Auth:      auth,
		UserAgent: DefaultUserAgent,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if c.Auth != "" {
		req.Header.Set("Authorization", c.Auth)
	}
	return c.HTTP.Do(req)
}

// Search queries the posts API for query at the given page. The exclude
// tags are always appended.
func (c *Client) Search(ctx context.Context, query, page string) ([]Post, error) {
	tags := query
	if tags != "" {
		tags += " "
	}
	tags += ExcludeTags

	rawURL := fmt.Sprintf("%s/posts.json?limit=%d&page=%s&tags=%s",
		c.BaseURL, searchLimit, url.QueryEscape(page), url.QueryEscape(tags))

	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("posts API returned %d", resp.StatusCode)
	}

	var root struct {
		Posts []Post `json:"posts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode posts response: %w", err)
	}
	log.Ctx(ctx).Debug().Str("query", query).Str("page", page).Int("posts", len(root.Posts)).Msg("search completed")
	return root.Posts, nil
}

// FetchImage downloads an image from the upstream CDN.
func (c *Client) FetchImage(ctx context.Context, rawURL string) (Image, error) {
	log.Ctx(ctx).Info().Str("url", rawURL).Msg("getting image")

	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("image fetch returned %d", resp.StatusCode)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, MIME: mime}, nil
}
