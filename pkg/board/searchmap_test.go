package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSearchMapFormat(t *testing.T) {
	b := newSearchMapBuilder("600000", "1200000", 0, 1, 2)
	b.push(Post{
		ID:      101,
		Sample:  Sample{Width: 850, Height: 850},
		Preview: Preview{Width: 150, Height: 120},
		Score:   Score{Up: 10, Down: -2},
		Rating:  "s",
		File:    File{Ext: "jpg"},
	}, 3, 4)
	b.push(Post{
		ID:      202,
		Sample:  Sample{Width: 1200, Height: 900},
		Preview: Preview{Width: 150, Height: 113},
		Score:   Score{Up: 55, Down: 0},
		Rating:  "e",
		File:    File{Ext: "png"},
	}, 5, 6)

	want := "600000,0,1,2" +
		"\n3,101,850,850,150,120,10,-2,s,jpg,4,1200000" +
		"\n5,202,1200,900,150,113,55,0,e,png,6,1200000"
	assert.Equal(t, want, b.String())
}

func TestSearchMapEmptyResult(t *testing.T) {
	b := newSearchMapBuilder("600000", "1200000", 7, 8, 9)
	assert.Equal(t, "600000,7,8,9", b.String(), "no posts yields just the header")
}

func TestTTLMillis(t *testing.T) {
	assert.Equal(t, "600000", ttlMillis(600*time.Second))
	assert.Equal(t, "1200000", ttlMillis(1200*time.Second))
	assert.Equal(t, "250", ttlMillis(250*time.Millisecond))
}

func TestParseSearch(t *testing.T) {
	cases := []struct {
		in    string
		query string
		page  string
	}{
		{"", "", "1"},
		{"cat", "cat", "1"},
		{"cat dog", "cat dog", "1"},
		{"cat 2", "cat", "2"},
		{"cat dog 15", "cat dog", "15"},
		{"7", "", "7"},
		{"cat%20dog", "cat dog", "1"},
		{"cat -0", "cat -0", "1"},
	}
	for _, c := range cases {
		q, p := parseSearch(c.in)
		assert.Equal(t, c.query, q, "query for %q", c.in)
		assert.Equal(t, c.page, p, "page for %q", c.in)
	}
}
