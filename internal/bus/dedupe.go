package bus

import "sync"

// Deduper remembers the last max event IDs.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func NewDeduper(max int) *Deduper {
	if max <= 0 {
		max = 1024
	}
	return &Deduper{seen: make(map[string]struct{}, max), max: max}
}

// Seen records id and reports whether it had been recorded before.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Dedupe drops events whose ID d has already seen.
func Dedupe(d *Deduper, h Handler) Handler {
	return func(e Event) {
		if d.Seen(e.ID) {
			return
		}
		h(e)
	}
}
