package download

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind is the category a resource is filed under.
type Kind string

// Resource kinds.
const (
	Images    Kind = "images"
	Documents Kind = "documents"
	Videos    Kind = "videos"
	Others    Kind = "others"
)

// DefaultExt is the extension used when a URL does not carry one.
func (k Kind) DefaultExt() string {
	switch k {
	case Images:
		return "jpg"
	case Documents:
		return "pdf"
	case Videos:
		return "mp4"
	default:
		return "bin"
	}
}

// ParseKind maps a name to a Kind, falling back to Others.
func ParseKind(s string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Images, Documents, Videos:
		return k
	default:
		return Others
	}
}

// Counters are running totals of successful downloads. A single instance is
// shared by every downloader of a run and read for end-of-run reporting.
type Counters struct {
	images    atomic.Int64
	documents atomic.Int64
	videos    atomic.Int64
	others    atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Images    int64 `json:"images"`
	Documents int64 `json:"documents"`
	Videos    int64 `json:"videos"`
	Others    int64 `json:"others"`
}

// Total sums every kind.
func (s CounterSnapshot) Total() int64 {
	return s.Images + s.Documents + s.Videos + s.Others
}

func (s CounterSnapshot) String() string {
	return fmt.Sprintf("images=%d documents=%d videos=%d others=%d", s.Images, s.Documents, s.Videos, s.Others)
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters { return &Counters{} }

// Inc adds one to the counter for kind.
func (c *Counters) Inc(kind Kind) {
	switch kind {
	case Images:
		c.images.Add(1)
	case Documents:
		c.documents.Add(1)
	case Videos:
		c.videos.Add(1)
	default:
		c.others.Add(1)
	}
}

// Snapshot copies the current totals.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Images:    c.images.Load(),
		Documents: c.documents.Load(),
		Videos:    c.videos.Load(),
		Others:    c.others.Load(),
	}
}
