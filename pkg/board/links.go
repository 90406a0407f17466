package board

import (
	"sync"
	"time"
)

type linkKind int

const (
	linkSearchMap linkKind = iota
	linkPreviews
	linkImage
	linkRefreshSearch
	linkRefreshImage
)

// link is one numbered resource reachable through /link/<id>. Exactly one
// of text, image, refresh is meaningful per kind.
type link struct {
	kind    linkKind
	text    string        // linkSearchMap
	image   *imagePromise // linkPreviews, linkImage
	refresh func()        // linkRefresh*: rearm the owning timers
	reply   string        // linkRefresh*: TTL echoed back, in milliseconds
}

// linkMap allocates small integer IDs for live resources. IDs are reused as
// soon as their links expire, keeping them short for the sandbox parser.
type linkMap struct {
	mu    sync.Mutex
	links map[int]link
}

func newLinkMap() *linkMap {
	return &linkMap{links: make(map[int]link)}
}

// get returns the link for id, if still alive.
func (m *linkMap) get(id int) (link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	return l, ok
}

// remove drops ids; missing ids are fine, expiry racing a refresh is benign.
func (m *linkMap) remove(ids ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.links, id)
	}
}

func (m *linkMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// freeIDsLocked returns the n smallest unused IDs. Caller holds m.mu.
func (m *linkMap) freeIDsLocked(n int) []int {
	out := make([]int, 0, n)
	for id := 0; len(out) < n; id++ {
		if _, used := m.links[id]; !used {
			out = append(out, id)
		}
	}
	return out
}

// refreshGroup ties the timers of one search together. Refreshing the
// search rearms every member; refreshing one image rearms only its own.
type refreshGroup struct {
	mu      sync.Mutex
	members []*memberTimer
}

type memberTimer struct {
	t *time.Timer
	d time.Duration
}

func newRefreshGroup() *refreshGroup {
	return &refreshGroup{}
}

// attach schedules expire after d and returns a rearm func for that member.
func (g *refreshGroup) attach(d time.Duration, expire func()) func() {
	m := &memberTimer{t: time.AfterFunc(d, expire), d: d}
	g.mu.Lock()
	g.members = append(g.members, m)
	g.mu.Unlock()
	return func() { m.t.Reset(m.d) }
}

// resetAll rearms every member timer to its full duration.
func (g *refreshGroup) resetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		m.t.Reset(m.d)
	}
}
