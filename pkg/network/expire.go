package network

import (
	"context"
	"time"
)

// sessionExpirer is implemented by session managers that discard idle
// persistent sessions.
type sessionExpirer interface {
	CleanExpired() []string
}

func (s *Server) expireLoop(interval time.Duration, e sessionExpirer) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.expireSessions(s.ctx, e)
		}
	}
}

// expireSessions drops expired sessions and the subscriptions they held.
func (s *Server) expireSessions(ctx context.Context, e sessionExpirer) {
	expired := e.CleanExpired()
	for _, clientID := range expired {
		if err := s.store.RemoveClient(ctx, clientID); err != nil {
			s.log.Warn("clear subscriptions failed", "client_id", clientID, "error", err)
		}
	}
	if len(expired) > 0 {
		s.log.Debug("expired sessions removed", "count", len(expired))
	}
}
