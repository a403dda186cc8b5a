package bridge

import "sync"

type signature struct {
	source string
	text   string
}

// DedupFilter is a bounded recency window over (source, text) pairs. It is
// not a content store: a pair seen again after eviction counts as new.
type DedupFilter struct {
	mu       sync.Mutex
	capacity int
	window   []signature
}

// NewDedupFilter builds a filter holding up to capacity signatures. A
// capacity of zero or less disables filtering entirely.
func NewDedupFilter(capacity int) *DedupFilter {
	return &DedupFilter{capacity: capacity}
}

// IsDuplicate reports whether the pair is already in the window and records
// it when it is not. Known pairs are not re-appended, so a stream of
// repeats does not refresh their position.
func (f *DedupFilter) IsDuplicate(source, text string) bool {
	if f.capacity <= 0 {
		return false
	}
	sig := signature{source: source, text: text}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seen := range f.window {
		if seen == sig {
			return true
		}
	}
	f.window = append(f.window, sig)
	if len(f.window) > f.capacity {
		f.window = f.window[len(f.window)-f.capacity:]
	}
	return false
}

// Len reports how many signatures the window currently holds.
func (f *DedupFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.window)
}
