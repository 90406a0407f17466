package board

import (
	"strconv"
	"strings"
	"time"
)

// searchMapBuilder assembles the search map the sandbox client parses: a
// header line naming the search-wide resources, then one line per post.
//
//	<searchTTLms>,<searchMapID>,<previewsID>,<searchRefreshID>
//	<imageID>,<postID>,<sampleW>,<sampleH>,<prevW>,<prevH>,<up>,<down>,<rating>,<ext>,<imageRefreshID>,<imageTTLms>
//
// All values are comma separated; lines are newline separated. IDs resolve
// through /link/<id>.
type searchMapBuilder struct {
	sb         strings.Builder
	imageTTLms string
}

func newSearchMapBuilder(searchTTLms, imageTTLms string, searchMapID, previewsID, refreshID int) *searchMapBuilder {
	b := &searchMapBuilder{imageTTLms: imageTTLms}
	b.sb.WriteString(searchTTLms)
	b.comma(searchMapID)
	b.comma(previewsID)
	b.comma(refreshID)
	return b
}

func (b *searchMapBuilder) comma(n int) {
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.Itoa(n))
}

func (b *searchMapBuilder) push(p Post, imageID, imageRefreshID int) {
	b.sb.WriteByte('\n')
	b.sb.WriteString(strconv.Itoa(imageID))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.ID, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Sample.Width, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Sample.Height, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Preview.Width, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Preview.Height, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Score.Up, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(strconv.FormatInt(p.Score.Down, 10))
	b.sb.WriteByte(',')
	b.sb.WriteString(p.Rating)
	b.sb.WriteByte(',')
	b.sb.WriteString(p.File.Ext)
	b.comma(imageRefreshID)
	b.sb.WriteByte(',')
	b.sb.WriteString(b.imageTTLms)
}

func (b *searchMapBuilder) String() string {
	return b.sb.String()
}

// ttlMillis renders a duration the way link replies and search maps carry
// it: whole milliseconds, base ten.
func ttlMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
