package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/stream"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame is one message on the quote stream.
type Frame struct {
	Type      string        `json:"type"`
	Session   string        `json:"session,omitempty"`
	Symbols   []string      `json:"symbols,omitempty"`
	Quote     *models.Quote `json:"quote,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Synthetic bool          `json:"synthetic,omitempty"`
	// Dropped counts updates discarded so far because the client fell behind.
	Dropped uint64 `json:"dropped,omitempty"`
}

// Frame types.
const (
	FrameSubscribed = "subscribed"
	FrameQuote      = "quote"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query()["symbols"])

	// Subscribe before the upgrade so bad requests get a plain HTTP error.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.gw.Subscribe(ctx, symbols)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	session := uuid.NewString()
	s.logger.Info(
		fmt.Sprintf("Stream session %s opened by %s for %s", session, s.subject(r), strings.Join(sub.Symbols(), ",")),
		golog.String("component", apiComponent),
	)

	// Clients only listen; CloseRead cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	err = s.pump(ctx, conn, sub, session)
	s.logger.Info(
		fmt.Sprintf("Stream session %s closed after %d dropped updates: %v", session, sub.Dropped(), err),
		golog.String("component", apiComponent),
	)

	switch {
	case errors.Is(err, stream.ErrClosed):
		conn.Close(websocket.StatusGoingAway, "gateway shutting down")
	case ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// pump writes the subscription frame then every update until ctx ends or
// the subscription closes.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub *stream.Subscription, session string) error {
	if err := s.write(ctx, conn, Frame{Type: FrameSubscribed, Session: session, Symbols: sub.Symbols()}); err != nil {
		return err
	}
	for {
		u, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		q := u.Quote
		frame := Frame{
			Type:      FrameQuote,
			Quote:     &q,
			Degraded:  u.Degraded,
			Synthetic: u.Synthetic,
			Dropped:   sub.Dropped(),
		}
		if err := s.write(ctx, conn, frame); err != nil {
			return err
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	timeout := s.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
