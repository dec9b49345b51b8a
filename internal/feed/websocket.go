package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
	snapshotTimeout  = 2 * time.Second
)

// SnapshotSource is the read side of the engine.
type SnapshotSource interface {
	Snapshot(ctx context.Context, depth int) (engine.Snapshot, error)
}

type outboundMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WebSocket serves the public market data feed over HTTP:
//
//	GET /book        JSON snapshot, ?depth=n limits levels per side
//	GET /ws/trades   stream of executions
//	GET /ws/book     stream of top of book quotes
type WebSocket struct {
	source   SnapshotSource
	trades   *Hub[common.Execution]
	quotes   *Hub[common.Quote]
	upgrader websocket.Upgrader
}

func NewWebSocket(source SnapshotSource) *WebSocket {
	return &WebSocket{
		source:   source,
		trades:   NewHub[common.Execution](),
		quotes:   NewHub[common.Quote](),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (ws *WebSocket) ReportTrade(exec common.Execution) error {
	ws.trades.Broadcast(exec)
	return nil
}

func (ws *WebSocket) ReportQuote(quote common.Quote) error {
	ws.quotes.Broadcast(quote)
	return nil
}

func (ws *WebSocket) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/book", ws.handleSnapshot)
	mux.HandleFunc("/ws/trades", func(w http.ResponseWriter, r *http.Request) {
		stream(ws, w, r, ws.trades, "trade")
	})
	mux.HandleFunc("/ws/book", func(w http.ResponseWriter, r *http.Request) {
		stream(ws, w, r, ws.quotes, "quote")
	})
	return mux
}

func (ws *WebSocket) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid depth"})
			return
		}
		depth = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	snap, err := ws.source.Snapshot(ctx, depth)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func stream[T any](ws *WebSocket, w http.ResponseWriter, r *http.Request, hub *Hub[T], kind string) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("stream", kind).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := hub.Subscribe(subscriberBuffer)
	defer hub.Unsubscribe(sub)

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("stream", kind).Str("remote", r.RemoteAddr).Msg("feed subscriber connected")
	for {
		select {
		case <-gone:
			return
		case value, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(outboundMessage{Type: kind, Data: value}); err != nil {
				log.Debug().Err(err).Str("stream", kind).Msg("feed subscriber dropped")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("unable to encode response")
	}
}
