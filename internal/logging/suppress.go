package logging

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxTracked bounds the number of distinct records remembered by a Suppressor.
const maxTracked = 4096

// Suppressor drops a warning or error identical to one passed within the window. The first
// record passed after a suppressed run carries a "suppressed" attribute with the number
// of dropped copies. Records below Warn are never suppressed.
type Suppressor struct {
	handler slog.Handler
	window  time.Duration
	scope   string
	state   *suppressState
}

type suppressState struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[uint64]*seenRecord
}

type seenRecord struct {
	at      time.Time
	dropped int
}

func NewSuppressor(handler slog.Handler, window time.Duration) *Suppressor {
	return &Suppressor{
		handler: handler,
		window:  window,
		state:   &suppressState{now: time.Now, seen: make(map[uint64]*seenRecord)},
	}
}

func (h *Suppressor) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *Suppressor) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn {
		return h.handler.Handle(ctx, r)
	}
	dropped, pass := h.state.check(h.fingerprint(r), h.window)
	if !pass {
		return nil
	}
	if dropped > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed", dropped))
	}
	return h.handler.Handle(ctx, r)
}

func (h *Suppressor) WithAttrs(attrs []slog.Attr) slog.Handler {
	scope := h.scope
	for _, a := range attrs {
		scope += "|" + a.String()
	}
	return &Suppressor{handler: h.handler.WithAttrs(attrs), window: h.window, scope: scope, state: h.state}
}

func (h *Suppressor) WithGroup(name string) slog.Handler {
	return &Suppressor{handler: h.handler.WithGroup(name), window: h.window, scope: h.scope + "|" + name + ".", state: h.state}
}

func (h *Suppressor) fingerprint(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(h.scope)
	_, _ = d.WriteString("\x00" + strconv.Itoa(int(r.Level)) + "\x00" + r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("\x00" + a.String())
		return true
	})
	return d.Sum64()
}

// check reports whether a record with fingerprint fp may pass, and how many copies were
// dropped since the last one that did.
func (s *suppressState) check(fp uint64, window time.Duration) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.seen[fp]; ok {
		if now.Sub(e.at) < window {
			e.dropped++
			return 0, false
		}
		dropped := e.dropped
		e.at, e.dropped = now, 0
		return dropped, true
	}

	if len(s.seen) >= maxTracked {
		for k, e := range s.seen {
			if now.Sub(e.at) >= window {
				delete(s.seen, k)
			}
		}
	}
	if len(s.seen) < maxTracked {
		s.seen[fp] = &seenRecord{at: now}
	}
	return 0, true
}
