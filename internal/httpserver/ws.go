package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/polyscribe/internal/broadcast"
	"github.com/chadiek/polyscribe/internal/pipeline"
)

const (
	// PING_PERIOD is how often event subscribers are pinged.
	PING_PERIOD = 50 * time.Second
	// PONG_WAIT is how long a subscriber may stay silent.
	PONG_WAIT = 60 * time.Second
	// WRITE_WAIT bounds a single websocket write.
	WRITE_WAIT = 10 * time.Second
)

// controlMessage is a text frame on the audio socket.
// Types: "utterance-end", "bye".
type controlMessage struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// presentation windows are served from other origins
		return true
	},
}

type wsHandlers struct {
	runs *pipeline.Manager
	hub  *broadcast.Hub
	log  *zap.SugaredLogger
}

// audio reads binary PCM frames and writes them to the active run.
func (h wsHandlers) audio(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warnw("ws upgrade error", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	dropped := 0
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warnw("audio socket read error", "error", err)
			}
			return nil
		}
		switch mt {
		case websocket.BinaryMessage:
			if _, err := h.runs.Write(data); err != nil {
				dropped++
				if dropped == 1 || dropped%500 == 0 {
					h.log.Debugw("audio dropped", "error", err, "dropped", dropped)
				}
			}
		case websocket.TextMessage:
			var m controlMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "utterance-end":
				if run := h.runs.Current(); run != nil {
					if err := run.EndUtterance(m.Language); err != nil {
						_ = conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
					}
				}
			case "bye":
				return nil
			}
		}
	}
}

// events streams published envelopes as JSON text frames.
func (h wsHandlers) events(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warnw("ws upgrade error", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	sub, unsub := h.hub.Subscribe(ctx)
	defer unsub()
	h.log.Infow("event subscriber connected", "subscriber", sub.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return nil
			}
		}
	})
	g.Go(func() error {
		// closing unblocks the reader
		defer func() { _ = conn.Close() }()
		ticker := time.NewTicker(PING_PERIOD)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					return nil
				}
				_ = conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
				if err := conn.WriteJSON(ev); err != nil {
					return err
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return err
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.log.Debugw("event subscriber write failed", "subscriber", sub.ID, "error", err)
	}
	h.log.Infow("event subscriber disconnected", "subscriber", sub.ID)
	return nil
}
