package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleWatchSession upgrades to a websocket and streams session events
// until the client disconnects. The session must exist at subscribe
// time; events for sessions created later need a fresh watch.
func (s *Server) handleWatchSession(w http.ResponseWriter, r *http.Request, correlationID, sessionID string) {
	if _, err := s.svc.Get(r.Context(), sessionID); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.WatchOrigins,
	})
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Str("session", sessionID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch terminated")

	events, cancel := s.svc.Events().Subscribe(sessionID, 64)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				s.cfg.Logger.Debug().Err(err).Str("session", sessionID).Msg("websocket write failed")
				return
			}
		}
	}
}
