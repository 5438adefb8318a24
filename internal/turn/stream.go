package turn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Stream writes turn events as server-sent events.
type Stream struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func NewStream(w http.ResponseWriter) (*Stream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer cannot stream")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Stream{w: w, f: f}, nil
}

func (s *Stream) Emit(ev Event) error {
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
