package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// streamEvents sends every published workflow event, optionally limited
// to one tenant, to a websocket client as JSON text messages. A client too
// slow to keep up misses events rather than stalling publishers.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("event stream handshake failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.deps.Events.Subscribe(streamBuffer, c.Query("tenant"))
	defer sub.Close()

	// The stream is one-way; CloseRead handles control frames and ends ctx
	// when the client goes away.
	ctx := conn.CloseRead(c.Request.Context())
	s.log.Debug("event stream opened", "tenant", c.Query("tenant"))
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("event stream closed", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
