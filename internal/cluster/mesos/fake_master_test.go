package mesos

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMaster serves the scheduler API: SUBSCRIBE opens a RecordIO stream fed from events
// and every other call is recorded and accepted.
type fakeMaster struct {
	t      *testing.T
	events chan any
	closed chan struct{}

	mu    sync.Mutex
	calls []call
	ids   []string
}

func newFakeMaster(t *testing.T) (*fakeMaster, *httptest.Server) {
	t.Helper()
	m := &fakeMaster{t: t, events: make(chan any, 16), closed: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *fakeMaster) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != schedulerPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var c call
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if c.Type != "SUBSCRIBE" {
		m.mu.Lock()
		m.calls = append(m.calls, c)
		m.ids = append(m.ids, r.Header.Get(streamIDHeader))
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	flusher := w.(http.Flusher)
	w.Header().Set(streamIDHeader, "stream-1")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-m.closed:
			return
		case ev := <-m.events:
			data, err := json.Marshal(ev)
			require.NoError(m.t, err)
			if err := WriteFrame(w, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (m *fakeMaster) send(ev any) {
	m.events <- ev
}

// hangUp ends the current event stream.
func (m *fakeMaster) hangUp() {
	close(m.closed)
}

func (m *fakeMaster) recorded() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func (m *fakeMaster) callsOfType(typ string) []call {
	var out []call
	for _, c := range m.recorded() {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (m *fakeMaster) streamIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}
