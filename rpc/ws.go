package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"streamchain/core/events"
)

const wsWriteTimeout = 10 * time.Second

// eventFilter narrows the live feed by event type and stream id.
type eventFilter struct {
	typ    string
	stream string
}

func (f eventFilter) match(rec events.Record) bool {
	if rec.Event == nil {
		return false
	}
	if f.typ != "" && rec.Event.Type != f.typ {
		return false
	}
	if f.stream != "" && !strings.EqualFold(rec.Event.Attr("stream"), f.stream) {
		return false
	}
	return true
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event feed disabled")
		return
	}
	query := r.URL.Query()
	cursor := strings.TrimSpace(query.Get("cursor"))
	filter := eventFilter{
		typ:    strings.TrimSpace(query.Get("type")),
		stream: strings.TrimPrefix(strings.TrimSpace(query.Get("stream")), "0x"),
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter eventFilter) error {
	updates, cancel, backlog := s.log.Subscribe(ctx, cursor)
	defer cancel()

	for _, rec := range backlog {
		if !filter.match(rec) {
			continue
		}
		if err := writeRecord(ctx, conn, rec); err != nil {
			return err
		}
	}
	last := uint64(0)
	if n := len(backlog); n > 0 {
		last = backlog[n-1].Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			// Records emitted between subscribe and the backlog snapshot
			// arrive on both paths.
			if rec.Sequence <= last || !filter.match(rec) {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
