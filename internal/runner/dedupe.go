package runner

import "sync"

const defaultDedupeWindow = 1024

// window remembers the most recent inbound event ids.
type window struct {
	mu          sync.Mutex
	recentIDs   map[string]struct{}
	recentOrder []string
	size        int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = defaultDedupeWindow
	}
	return &window{
		recentIDs:   map[string]struct{}{},
		recentOrder: make([]string, 0, size),
		size:        size,
	}
}

// seen records id and reports whether it was already present.
func (w *window) seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.recentIDs[id]; ok {
		return true
	}
	w.recentIDs[id] = struct{}{}
	w.recentOrder = append(w.recentOrder, id)
	if len(w.recentOrder) > w.size {
		oldest := w.recentOrder[0]
		w.recentOrder = w.recentOrder[1:]
		delete(w.recentIDs, oldest)
	}
	return false
}

// forget drops id so a later delivery is processed again.
func (w *window) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.recentIDs[id]; !ok {
		return
	}
	delete(w.recentIDs, id)
	for i, recent := range w.recentOrder {
		if recent == id {
			w.recentOrder = append(w.recentOrder[:i], w.recentOrder[i+1:]...)
			break
		}
	}
}
