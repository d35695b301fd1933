package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsBufferDepth  = 256
)

type outboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broadcaster owns the tick and result hubs and serves them over a
// websocket endpoint for downstream collaborators
type Broadcaster struct {
	Ticks    *Hub[wire.Tick]
	Results  *Hub[wire.ExecutionResult]
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewBroadcaster creates the telemetry fan-out hubs
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		Ticks:   NewHub[wire.Tick](),
		Results: NewHub[wire.ExecutionResult](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleTelemetryWS upgrades the connection and streams ticks and result
// summaries until the client disconnects
func (b *Broadcaster) HandleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticks := b.Ticks.Subscribe(wsBufferDepth)
	defer b.Ticks.Unsubscribe(ticks)
	results := b.Results.Subscribe(wsBufferDepth)
	defer b.Results.Unsubscribe(results)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var msg outboundMessage
		select {
		case <-done:
			return
		case tick := <-ticks.C():
			msg = outboundMessage{Type: "tick", Data: tick}
		case result := <-results.C():
			msg = outboundMessage{Type: "result", Data: result}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			b.logger.Debug("websocket deadline failed, dropping subscriber", zap.Error(err))
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			b.logger.Debug("websocket write failed, dropping subscriber", zap.Error(err))
			return
		}
	}
}
