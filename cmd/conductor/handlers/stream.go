package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lumenflow/conductor/cmd/conductor/engine"
	"github.com/lumenflow/conductor/cmd/conductor/trace"
	"github.com/lumenflow/conductor/common/logger"
	"github.com/lumenflow/conductor/common/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs, not data
	maxMessageSize = 512
)

// StreamHandler serves the per-run event stream over WebSocket. Reconnecting
// clients pass since_sequence to replay committed trace events from the
// store before live delivery resumes.
type StreamHandler struct {
	engine   *engine.Engine
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler
func NewStreamHandler(eng *engine.Engine, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		engine: eng,
		log:    log.WithComponent("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type traceFrame struct {
	Stream string `json:"stream"`
	models.TraceEvent
}

type eventFrame struct {
	Stream string `json:"stream"`
	models.WorkflowEvent
}

type noticeFrame struct {
	Stream  string `json:"stream"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Stream attaches a WebSocket subscription to a run
// GET /api/v1/runs/:id/stream?stream=trace&type=context.&since_sequence=0
func (h *StreamHandler) Stream(c echo.Context) error {
	runID := c.Param("id")
	ctx := c.Request().Context()

	if _, err := h.engine.GetRun(ctx, runID); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	var stream trace.Stream
	switch c.QueryParam("stream") {
	case "", "all":
		stream = trace.StreamAll
	case "events":
		stream = trace.StreamEvents
	case "trace":
		stream = trace.StreamTrace
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "stream must be events or trace")
	}
	prefix := c.QueryParam("type")
	since, _ := strconv.ParseInt(c.QueryParam("since_sequence"), 10, 64)

	// Subscribe before replaying so nothing commits into the gap
	sub := h.engine.Subscribe(trace.SubscribeOptions{
		RunID:      runID,
		Stream:     stream,
		TypePrefix: prefix,
	})

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.engine.Hub().Unsubscribe(sub)
		return err
	}

	client := newStreamClient(conn)
	go client.readPump(h.log)
	go client.writePump()
	defer func() {
		h.engine.Hub().Unsubscribe(sub)
		client.close()
	}()

	// Replay committed trace events after the client's cursor
	lastSeq := since
	if stream != trace.StreamEvents {
		events, err := h.engine.Trace(ctx, runID, since, prefix, 0)
		if err != nil {
			h.log.Error("trace replay failed", "run_id", runID, "error", err)
			return nil
		}
		for _, ev := range events {
			if !client.enqueueJSON(traceFrame{Stream: string(trace.StreamTrace), TraceEvent: ev}) {
				return nil
			}
			if ev.Sequence > lastSeq {
				lastSeq = ev.Sequence
			}
		}
	}

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), trace.ErrSubscriberLagged) {
					client.enqueueJSON(noticeFrame{
						Stream:  "notice",
						Type:    "subscriber_lagged",
						Message: "event buffer overflowed; reconnect with since_sequence to catch up",
					})
				}
				return nil
			}

			var frame any
			switch {
			case env.Trace != nil:
				// Replayed events can race the live feed; the sequence
				// cursor removes duplicates
				if env.Trace.Sequence <= lastSeq {
					continue
				}
				lastSeq = env.Trace.Sequence
				frame = traceFrame{Stream: string(trace.StreamTrace), TraceEvent: *env.Trace}
			case env.Event != nil:
				frame = eventFrame{Stream: string(trace.StreamEvents), WorkflowEvent: *env.Event}
			default:
				continue
			}
			if !client.enqueueJSON(frame) {
				return nil
			}

		case <-client.done:
			return nil
		}
	}
}

// streamClient owns one WebSocket connection; one reader and one writer pump
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{
		conn: conn,
		send: make(chan []byte, 512),
		done: make(chan struct{}),
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueueJSON queues a frame for the write pump; false means the client is
// gone or too slow to keep
func (c *streamClient) enqueueJSON(frame any) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	select {
	case c.send <- raw:
		return true
	case <-c.done:
		return false
	}
}

// readPump discards client data; it exists for ping/pong handling and
// disconnect detection
func (c *streamClient) readPump(log *logger.Logger) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
