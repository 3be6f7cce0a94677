package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

// StreamConfig tunes the websocket snapshot stream.
type StreamConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	Buffer       int
	CheckOrigin  func(origin string) bool
}

// StreamHandler pushes full snapshots of a selected set over a websocket.
type StreamHandler struct {
	feed     feed.Feed
	cfg      StreamConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler constructs a stream handler over f.
func NewStreamHandler(f feed.Feed, cfg StreamConfig, logger *zap.Logger) *StreamHandler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &StreamHandler{feed: f, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.CheckOrigin == nil {
				return true
			}
			return cfg.CheckOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

// Stream godoc
// @Summary Subscribe to a collection
// @Description Upgrades to a websocket and sends a full snapshot frame on subscribe and after every change.
// @Tags Stream
// @Param collection query string true "courses or documents"
// @Param courseId query string false "Course ID for documents"
// @Param access_token query string false "Token when headers cannot be set"
// @Router /stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	session, err := sessionFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	sel, err := feed.ParseSelector(c.Query("collection"), c.Query("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	logger := h.logger.With(zap.String("uid", session.UID), zap.String("selector", sel.Key()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan feed.Message, h.cfg.Buffer)
	enqueue := func(msg feed.Message) {
		select {
		case frames <- msg:
		default:
			logger.Warn("stream consumer too slow, closing")
			cancel()
		}
	}

	sub, err := h.feed.Subscribe(c.Request.Context(), sel,
		func(snap feed.Snapshot) { enqueue(feed.SnapshotMessage(snap)) },
		func(err error) { enqueue(feed.ErrorMessage(err)) },
	)
	if err != nil {
		logger.Warn("stream subscribe failed", zap.Error(err))
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.WriteJSON(feed.ErrorMessage(err))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscribe failed"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer sub.Unsubscribe()
	logger.Debug("stream opened")

	go h.drain(conn, cancel)
	h.write(ctx, conn, frames, logger)
	_ = conn.Close()
	logger.Debug("stream closed")
}

// drain reads control frames so pongs and close frames are processed. Clients send no data frames.
func (h *StreamHandler) drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(h.cfg.ReadLimit)
	deadline := h.cfg.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, frames <-chan feed.Message, logger *zap.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				logger.Debug("stream ping failed", zap.Error(err))
				return
			}
		}
	}
}
