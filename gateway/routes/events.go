package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"btcfi/core/events"
	"btcfi/core/types"
	"btcfi/services/journal"
)

const (
	wsWriteTimeout = 10 * time.Second
	backlogLimit   = 500
)

type eventsAPI struct {
	log    EventLog
	bus    *events.Bus
	logger *slog.Logger
}

type eventPage struct {
	Entries []journal.Entry `json:"entries"`
	Next    uint64          `json:"next"`
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// list pages the journal by sequence number. next is the cursor for the
// following page.
func (e *eventsAPI) list(w http.ResponseWriter, r *http.Request) {
	if e.log == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event journal disabled"})
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	entries, err := e.log.Since(r.Context(), after, int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].Seq
	}
	writeJSON(w, http.StatusOK, eventPage{Entries: entries, Next: next})
}

// stream pushes committed events over a websocket. With ?after= the journal
// backlog is replayed first. ?type= filters by event type prefix.
func (e *eventsAPI) stream(w http.ResponseWriter, r *http.Request) {
	if e.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream disabled"})
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))

	// Subscribe before reading the backlog so nothing committed in between
	// is lost. Replayed and live events may overlap at the seam.
	live, cancel := e.bus.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	if err := e.pump(ctx, conn, live, after, prefix); err != nil {
		if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			e.logger.Debug("event stream ended", slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (e *eventsAPI) pump(ctx context.Context, conn *websocket.Conn, live <-chan *types.Event, after uint64, prefix string) error {
	if after > 0 && e.log != nil {
		backlog, err := e.log.Since(ctx, after, backlogLimit)
		if err != nil {
			return err
		}
		for _, entry := range backlog {
			if !strings.HasPrefix(entry.Type, prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, entry.Event()); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(evt.Type, prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
