package gateway

import "sync"

// Hub tracks connected viewers and fans frames out to all of them. Broadcast
// never blocks on a slow viewer; frames that do not fit the viewer's send
// queue are dropped for that viewer only.
type Hub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{viewers: make(map[*Viewer]bool)}
}

func (h *Hub) add(v *Viewer) {
	h.mu.Lock()
	h.viewers[v] = true
	h.mu.Unlock()
}

func (h *Hub) remove(v *Viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	h.mu.Unlock()
}

// Broadcast delivers one frame to every connected viewer.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for v := range h.viewers {
		v.enqueue(frame)
	}
}

func (h *Hub) snapshot() []*Viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		out = append(out, v)
	}
	return out
}

// Len reports the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}
