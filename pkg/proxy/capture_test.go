package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCaptureStoreEvictsOldest(t *testing.T) {
	s := NewCaptureStore(3)
	for i := 0; i < 5; i++ {
		s.Add(RequestRecord{Time: time.Now(), Path: fmt.Sprintf("/r%d", i)})
	}
	got := s.List()
	assert.Len(t, got, 3)
	assert.Equal(t, "/r2", got[0].Path, "oldest entries are dropped first")
	assert.Equal(t, "/r4", got[2].Path)
}

func TestCaptureStoreListIsSnapshot(t *testing.T) {
	s := NewCaptureStore(10)
	s.Add(RequestRecord{Path: "/a"})
	snap := s.List()
	s.Add(RequestRecord{Path: "/b"})
	assert.Len(t, snap, 1, "snapshot must not grow with later adds")
}

func TestCaptureStoreClear(t *testing.T) {
	s := NewCaptureStore(10)
	s.Add(RequestRecord{Path: "/a"})
	s.Clear()
	assert.Empty(t, s.List())
}
