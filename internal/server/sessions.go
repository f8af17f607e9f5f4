package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/packet"
)

const sessionsLogPrefix = "server:sessions"

// SessionStats counts inbound links since Start.
type SessionStats struct {
	Live     int   `json:"live"`
	Accepted int64 `json:"accepted"`
	Lost     int64 `json:"lost"`
}

// sessions tracks the links accepted by the listener, fed by its
// new-connection and lost-connection callbacks.
type sessions struct {
	mu       sync.Mutex
	live     map[string]*connector.Connector
	accepted int64
	lost     int64
}

func newSessions() *sessions {
	return &sessions{live: make(map[string]*connector.Connector)}
}

func (s *sessions) add(c *connector.Connector) {
	s.mu.Lock()
	s.live[c.Session()] = c
	s.accepted++
	s.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - session %s opened from %s", sessionsLogPrefix, c.Session(), c.Address()))
}

func (s *sessions) remove(c *connector.Connector) {
	s.mu.Lock()
	if cur, ok := s.live[c.Session()]; ok && cur == c {
		delete(s.live, c.Session())
		s.lost++
	}
	s.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - session %s closed (%s)", sessionsLogPrefix, c.Session(), c.State()))
}

func (s *sessions) stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{Live: len(s.live), Accepted: s.accepted, Lost: s.lost}
}

func (s *sessions) snapshot() []*connector.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connector.Connector, 0, len(s.live))
	for _, c := range s.live {
		out = append(out, c)
	}
	return out
}

// notify sends one NOTIFY to every ready session concurrently and returns
// how many were delivered.
func (s *sessions) notify(ctx context.Context, method string, payload any) (int, error) {
	var (
		mu        sync.Mutex
		delivered int
		failed    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.snapshot() {
		if !c.IsReady() {
			continue
		}
		g.Go(func() error {
			p, err := packet.NewNotify(method, payload)
			if err != nil {
				return err
			}
			err = c.SendNotify(gctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, fmt.Errorf("session %s: %w", c.Session(), err))
				return nil
			}
			delivered++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return delivered, fmt.Errorf("%s - notify %s: %w", sessionsLogPrefix, method, err)
	}
	if len(failed) > 0 {
		for _, err := range failed {
			slog.Warn(fmt.Sprintf("%s - notify %s: %v", sessionsLogPrefix, method, err))
		}
		return delivered, fmt.Errorf("%s - notify %s failed for %d of %d sessions", sessionsLogPrefix, method, len(failed), len(failed)+delivered)
	}
	return delivered, nil
}
