package notarize

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// BundleIDs mints primary bundle ids for submissions: the configured base,
// a timestamp in microseconds and an optional counter. Timestamps never
// repeat within one BundleIDs, even when the clock does not advance.
type BundleIDs struct {
	Base  string
	Clock clockwork.Clock

	mu   sync.Mutex
	last int64
}

func (b *BundleIDs) clock() clockwork.Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return clockwork.NewRealClock()
}

// Next returns a fresh id. A negative counter is left out.
func (b *BundleIDs) Next(counter int) string {
	b.mu.Lock()
	ts := b.clock().Now().UnixMicro()
	if ts <= b.last {
		ts = b.last + 1
	}
	b.last = ts
	b.mu.Unlock()

	if counter < 0 {
		return fmt.Sprintf("%s.%d", b.Base, ts)
	}
	return fmt.Sprintf("%s.%d.%d", b.Base, ts, counter)
}
