package board

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSearchRequestShape(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/posts.json", r.URL.Path)
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		_, _ = io.WriteString(w, `{"posts":[{"id":42,"rating":"s","score":{"up":1,"down":0},
			"file":{"ext":"png"},"preview":{},"sample":{}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "Basic dGVzdDp0ZXN0")
	posts, err := c.Search(context.Background(), "cat dog", "3")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(42), posts[0].ID)

	assert.Equal(t, []string{"20"}, gotQuery["limit"])
	assert.Equal(t, []string{"3"}, gotQuery["page"])
	require.Len(t, gotQuery["tags"], 1)
	assert.Equal(t, "cat dog "+ExcludeTags, gotQuery["tags"][0])
	assert.Equal(t, "Basic dGVzdDp0ZXN0", gotAuth)
	assert.Equal(t, DefaultUserAgent, gotUA)
}

func TestClientSearchEmptyQueryOnlyExcludes(t *testing.T) {
	var gotTags string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTags = r.URL.Query().Get("tags")
		_, _ = io.WriteString(w, `{"posts":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Search(context.Background(), "", "1")
	require.NoError(t, err)
	assert.Equal(t, ExcludeTags, gotTags, "no leading space when the query is empty")
}

func TestClientSearchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Search(context.Background(), "cat", "1")
	assert.Error(t, err)
}

func TestClientFetchImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	img, err := c.FetchImage(context.Background(), srv.URL+"/pic.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIME)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, img.Data)
}

func TestClientFetchImageNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchImage(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)
}
