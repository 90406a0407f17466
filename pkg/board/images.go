package board

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rs/zerolog/log"
)

// ImageCache keeps fetched CDN bodies off the upstream for their link
// lifetime. Keyed by source URL; entries are gob-encoded Image values.
type ImageCache struct {
	bc *bigcache.BigCache
}

// NewImageCache builds a cache with the given entry lifetime and a hard
// size cap in megabytes.
func NewImageCache(life time.Duration, hardMaxMB int) (*ImageCache, error) {
	cfg := bigcache.DefaultConfig(life)
	cfg.CleanWindow = time.Minute
	cfg.HardMaxCacheSize = hardMaxMB
	cfg.Verbose = false

	bc, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &ImageCache{bc: bc}, nil
}

// Get returns the cached image for url, if present and decodable.
func (c *ImageCache) Get(url string) (Image, bool) {
	raw, err := c.bc.Get(url)
	if err != nil {
		return Image{}, false
	}
	var img Image
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&img); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("dropping undecodable image cache entry")
		_ = c.bc.Delete(url)
		return Image{}, false
	}
	return img, true
}

// Put stores img under url. Failures are logged and ignored; the cache is
// an optimization, not a source of truth.
func (c *ImageCache) Put(url string, img Image) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(img); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("failed to encode image for cache")
		return
	}
	if err := c.bc.Set(url, buf.Bytes()); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("failed to cache image")
	}
}

// Len reports the number of cached entries.
func (c *ImageCache) Len() int {
	return c.bc.Len()
}

// Close releases the cache's background resources.
func (c *ImageCache) Close() error {
	return c.bc.Close()
}
