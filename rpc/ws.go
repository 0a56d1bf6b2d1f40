package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/jayteemoney/stacksvestor/indexer"
	"github.com/jayteemoney/stacksvestor/observability"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsBacklogPage      = 500
	wsSubscriberBuffer = 256
)

var errSubscriberDropped = errors.New("event subscriber fell behind")

// handleEventsWS streams indexed events over a websocket. The optional query
// parameters cursor, beneficiary and type select where the stream starts and
// which entries it carries; the backlog after cursor is replayed before live
// entries.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event indexer disabled", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.allow(clientSource(r)) {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	filter, err := streamFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter); err != nil {
		switch {
		case errors.Is(err, errSubscriberDropped):
			_ = conn.Close(websocket.StatusTryAgainLater, "resume from last id")
		case websocket.CloseStatus(err) == -1 && ctx.Err() == nil:
			s.logger.Warn("event stream", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents subscribes before reading the backlog so no entry stored in
// between is lost; entries already sent are skipped by ID.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter indexer.Filter) error {
	updates, cancel := s.events.Subscribe(wsSubscriberBuffer)
	defer cancel()

	last := filter.AfterID
	for {
		page := filter
		page.AfterID = last
		page.Limit = wsBacklogPage
		entries, err := s.events.List(ctx, page)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := writeEventEntry(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.ID
		}
		if len(entries) < wsBacklogPage {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return errSubscriberDropped
			}
			live := filter
			live.AfterID = last
			if !live.Matches(entry) {
				continue
			}
			if err := writeEventEntry(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.ID
		}
	}
}

func streamFilter(query url.Values) (indexer.Filter, error) {
	filter := indexer.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := strings.TrimSpace(query.Get("cursor")); raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, errors.New("invalid cursor")
		}
		filter.AfterID = cursor
	}
	if raw := strings.TrimSpace(query.Get("beneficiary")); raw != "" {
		addr, rpcErr := parseAddress("beneficiary", raw)
		if rpcErr != nil {
			return filter, rpcErr
		}
		filter.Beneficiary = encodeAddress(addr)
	}
	return filter, nil
}

func writeEventEntry(ctx context.Context, conn *websocket.Conn, entry indexer.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
