package board

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fluffiac/roliga-proxy/pkg/proxy"
)

const (
	// DefaultSearchLifetime bounds how long a search map and its preview
	// sheet stay resolvable without a refresh.
	DefaultSearchLifetime = 600 * time.Second
	// DefaultImageLifetime bounds how long a full-size image link stays
	// resolvable without a refresh.
	DefaultImageLifetime = 1200 * time.Second
)

const (
	expiredBody    = "Link expired"
	queryErrorBody = "An error occured during the external query."
)

// Metrics is the counter surface for the board endpoints.
type Metrics interface {
	IncSearch()
	IncLinkHit()
	IncLinkExpired()
	IncUpstreamError()
}

// Service serves the /s/ search endpoint and the /link/ resource endpoint.
// It satisfies the pipeline's BoardHandler.
type Service struct {
	api       *Client
	images    *ImageCache
	links     *linkMap
	metrics   Metrics
	searchTTL time.Duration
	imageTTL  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLifetimes overrides the link lifetimes, mostly for tests.
func WithLifetimes(search, image time.Duration) Option {
	return func(s *Service) {
		s.searchTTL = search
		s.imageTTL = image
	}
}

// WithImageCache reuses fetched CDN bodies across links.
func WithImageCache(c *ImageCache) Option {
	return func(s *Service) { s.images = c }
}

// WithMetrics wires the counter surface.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a board service over the given API client.
func NewService(api *Client, opts ...Option) *Service {
	s := &Service{
		api:       api,
		links:     newLinkMap(),
		searchTTL: DefaultSearchLifetime,
		imageTTL:  DefaultImageLifetime,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Matches reports whether path belongs to the board API.
func (s *Service) Matches(path string) bool {
	return path == "/s" || strings.HasPrefix(path, "/s/") || strings.HasPrefix(path, "/link/")
}

// Serve handles one board request. It always answers with a complete
// response carrying Content-Length, so the connection stays reusable.
func (s *Service) Serve(ctx context.Context, w io.Writer, req *http.Request) bool {
	path := req.URL.Path
	switch {
	case path == "/s" || strings.HasPrefix(path, "/s/"):
		s.handleSearch(ctx, w, strings.TrimPrefix(strings.TrimPrefix(path, "/s"), "/"))
	case strings.HasPrefix(path, "/link/"):
		s.handleLink(ctx, w, strings.TrimPrefix(path, "/link/"))
	default:
		proxy.WriteText(w, http.StatusOK, expiredBody)
	}
	return true
}

// parseSearch splits the raw path remainder into tags and a page number.
// A trailing positive integer selects the page; everything else is tags.
func parseSearch(raw string) (query, page string) {
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	fields := strings.Fields(raw)
	page = "1"
	if n := len(fields); n > 0 {
		if v, err := strconv.Atoi(fields[n-1]); err == nil && v > 0 {
			page = fields[n-1]
			fields = fields[:n-1]
		}
	}
	return strings.Join(fields, " "), page
}

func (s *Service) handleSearch(ctx context.Context, w io.Writer, raw string) {
	query, page := parseSearch(raw)
	if s.metrics != nil {
		s.metrics.IncSearch()
	}

	posts, err := s.api.Search(ctx, query, page)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncUpstreamError()
		}
		log.Ctx(ctx).Error().Err(err).Str("query", query).Msg("search failed")
		proxy.WriteText(w, http.StatusOK, queryErrorBody)
		return
	}

	proxy.WriteText(w, http.StatusOK, s.registerSearch(posts))
}

// registerSearch allocates link IDs for one search result set, arms their
// expiry timers, and returns the search map text. Everything is allocated
// under one lock so concurrent searches never interleave IDs.
func (s *Service) registerSearch(posts []Post) string {
	group := newRefreshGroup()

	m := s.links
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.freeIDsLocked(2*len(posts) + 3)
	smID, pvID, rfID := ids[0], ids[1], ids[2]
	postIDs := ids[3:]

	b := newSearchMapBuilder(ttlMillis(s.searchTTL), ttlMillis(s.imageTTL), smID, pvID, rfID)
	for i, p := range posts {
		imgID, imgRefID := postIDs[2*i], postIDs[2*i+1]
		b.push(p, imgID, imgRefID)

		sampleURL := p.Sample.URL
		if sampleURL == "" {
			sampleURL = p.File.URL
		}
		promise := newImagePromise(s.fetcher(sampleURL))
		rearm := group.attach(s.imageTTL, func() { m.remove(imgID, imgRefID) })
		m.links[imgID] = link{kind: linkImage, image: promise}
		m.links[imgRefID] = link{kind: linkRefreshImage, refresh: rearm, reply: ttlMillis(s.imageTTL)}
	}
	text := b.String()

	sheet := newEagerPromise(func() (Image, error) {
		return s.composePreviewSheet(context.Background(), posts)
	})
	group.attach(s.searchTTL, func() { m.remove(smID, pvID, rfID) })
	m.links[smID] = link{kind: linkSearchMap, text: text}
	m.links[pvID] = link{kind: linkPreviews, image: sheet}
	m.links[rfID] = link{kind: linkRefreshSearch, refresh: group.resetAll, reply: ttlMillis(s.searchTTL)}

	return text
}

func (s *Service) handleLink(ctx context.Context, w io.Writer, rawID string) {
	id, err := strconv.Atoi(rawID)
	if err != nil {
		s.expired(ctx, w, rawID)
		return
	}
	l, ok := s.links.get(id)
	if !ok {
		s.expired(ctx, w, rawID)
		return
	}
	if s.metrics != nil {
		s.metrics.IncLinkHit()
	}

	switch l.kind {
	case linkSearchMap:
		proxy.WriteText(w, http.StatusOK, l.text)
	case linkRefreshSearch, linkRefreshImage:
		l.refresh()
		proxy.WriteText(w, http.StatusOK, l.reply)
	case linkPreviews, linkImage:
		img, ok := l.image.Get(ctx)
		if !ok {
			img = placeholderImage()
		}
		proxy.WriteBytes(w, http.StatusOK, img.MIME, img.Data)
	}
}

func (s *Service) expired(ctx context.Context, w io.Writer, rawID string) {
	if s.metrics != nil {
		s.metrics.IncLinkExpired()
	}
	log.Ctx(ctx).Debug().Str("link_id", rawID).Msg("link expired or unknown")
	proxy.WriteText(w, http.StatusOK, expiredBody)
}

// fetcher returns the promise fetch func for url, reading through the
// image cache when one is configured. Runs detached from any request
// context because promises outlive the request that created them.
func (s *Service) fetcher(url string) func() (Image, error) {
	return func() (Image, error) {
		return s.fetchImage(context.Background(), url)
	}
}

func (s *Service) fetchImage(ctx context.Context, url string) (Image, error) {
	if s.images != nil {
		if img, ok := s.images.Get(url); ok {
			return img, nil
		}
	}
	img, err := s.api.FetchImage(ctx, url)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncUpstreamError()
		}
		return Image{}, err
	}
	if s.images != nil {
		s.images.Put(url, img)
	}
	return img, nil
}
