package board

import (
	"context"
	"sync"
)

// imagePromise is a one-shot async image fetch. Eager promises start their
// fetch at creation (the preview sheet, which the client requests almost
// immediately); lazy promises start on first Get (full-size images the
// client may never open).
type imagePromise struct {
	fetch func() (Image, error)
	once  sync.Once
	done  chan struct{}
	img   Image
	ok    bool
}

func newImagePromise(fetch func() (Image, error)) *imagePromise {
	return &imagePromise{fetch: fetch, done: make(chan struct{})}
}

func newEagerPromise(fetch func() (Image, error)) *imagePromise {
	p := newImagePromise(fetch)
	p.start()
	return p
}

func (p *imagePromise) start() {
	p.once.Do(func() {
		go func() {
			img, err := p.fetch()
			if err == nil {
				p.img, p.ok = img, true
			}
			close(p.done)
		}()
	})
}

// Get blocks until the fetch resolves or ctx is done. A false result means
// the caller should serve the placeholder.
func (p *imagePromise) Get(ctx context.Context) (Image, bool) {
	p.start()
	select {
	case <-p.done:
		return p.img, p.ok
	case <-ctx.Done():
		return Image{}, false
	}
}
