package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/svcctx"
)

// DefaultKeepAlive is the interval between SSE comments and WebSocket pings.
const DefaultKeepAlive = 15 * time.Second

const wsWriteTimeout = 10 * time.Second

// EventsEndpoint handles GET /jobs/{job_id}/events as server-sent events.
type EventsEndpoint struct {
	KeepAlive time.Duration
}

var _ api.Endpoint = (*EventsEndpoint)(nil)

func (e *EventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/jobs/{job_id}/events", e.handler
}

func (e *EventsEndpoint) Aliases() []string {
	return []string{"/v1/narration/jobs/{job_id}/events"}
}
func (e *EventsEndpoint) RequiresInit() bool { return true }
func (e *EventsEndpoint) Group() string      { return "jobs" }

// lastEventID reads the resume position from the Last-Event-ID header or
// the last_event_id query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// handler godoc
//
//	@Summary		Job event stream (SSE)
//	@Description	Replays the current page states, then streams page_status, page_ready, progress and job_done events
//	@Tags			jobs
//	@Produce		text/event-stream
//	@Param			job_id			path	string	true	"Job ID"
//	@Param			Last-Event-ID	header	int		false	"Resume after this sequence number"
//	@Success		200
//	@Failure		404	{object}	ErrorResponse
//	@Router			/jobs/{job_id}/events [get]
func (e *EventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	pub := svcctx.EventsFrom(r.Context())
	if pub == nil {
		writeError(w, http.StatusServiceUnavailable, "events not initialized")
		return
	}
	jobID := r.PathValue("job_id")
	logger := svcctx.LoggerFrom(r.Context()).With("component", "sse", "job_id", jobID)

	sub, replay, err := pub.Subscribe(r.Context(), jobID, lastEventID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The write deadline of the server does not apply to streams.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		logger.Debug("flush failed", "error", err)
		return
	}

	keepAlive := e.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Info("stream closed", "reason", err)
				}
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func (e *EventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var lastID string
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print the event stream of a job until it is done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Stream(cmd.Context(), "/jobs/"+args[0]+"/events", lastID, func(ev api.StreamEvent) error {
				fmt.Printf("%s\t%s\t%s\n", ev.ID, ev.Event, ev.Data)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lastID, "last-event-id", "", "Resume after this sequence number")
	return cmd
}

// Frame is one WebSocket message. Server frames carry an event; clients
// may send {"type":"viewing","index":n}.
type Frame struct {
	Seq   int64       `json:"seq,omitempty"`
	Type  events.Type `json:"type"`
	Data  any         `json:"data,omitempty"`
	Index *int        `json:"index,omitempty"`
}

// WebSocketEndpoint handles GET /jobs/{job_id}/ws.
type WebSocketEndpoint struct {
	KeepAlive      time.Duration
	OriginPatterns []string
}

var _ api.Endpoint = (*WebSocketEndpoint)(nil)

func (e *WebSocketEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/jobs/{job_id}/ws", e.handler
}

func (e *WebSocketEndpoint) Aliases() []string {
	return []string{"/v1/narration/jobs/{job_id}/ws"}
}
func (e *WebSocketEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Job event stream (WebSocket)
//	@Description	Same events as the SSE stream as JSON {type, data} frames
//	@Tags			jobs
//	@Param			job_id	path	string	true	"Job ID"
//	@Success		101
//	@Failure		404	{object}	ErrorResponse
//	@Router			/jobs/{job_id}/ws [get]
func (e *WebSocketEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	pub := svcctx.EventsFrom(r.Context())
	if pub == nil {
		writeError(w, http.StatusServiceUnavailable, "events not initialized")
		return
	}
	jobID := r.PathValue("job_id")
	logger := svcctx.LoggerFrom(r.Context()).With("component", "ws", "job_id", jobID)

	// Subscribe before the upgrade so an unknown job is a plain 404.
	sub, replay, err := pub.Subscribe(r.Context(), jobID, lastEventID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer sub.Close()

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	origins := e.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		logger.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go e.readFrames(ctx, cancel, conn, jobID, logger)

	for _, ev := range replay {
		if err := writeFrame(ctx, conn, ev); err != nil {
			return
		}
	}

	keepAlive := e.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), events.ErrSlowSubscriber) {
					_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
					return
				}
				_ = conn.Close(websocket.StatusNormalClosure, "job done")
				return
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// readFrames applies viewing updates sent by the client and cancels the
// stream when the connection goes away.
func (e *WebSocketEndpoint) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, jobID string, logger *slog.Logger) {
	defer cancel()
	for {
		var msg Frame
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			logger.Debug("websocket read error", "error", err)
			return
		}
		if msg.Type != "viewing" || msg.Index == nil {
			continue
		}
		sessions := svcctx.SessionsFrom(ctx)
		if sessions == nil {
			continue
		}
		if err := sessions.SetViewingIndex(ctx, jobID, *msg.Index); err != nil {
			logger.Debug("viewing update rejected", "error", err)
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, Frame{Seq: ev.Seq, Type: ev.Type, Data: ev.Data})
}

func (e *WebSocketEndpoint) Command(_ func() string) *cobra.Command {
	return nil // the events command reads the SSE stream
}
