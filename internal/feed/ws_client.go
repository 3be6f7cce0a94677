package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// WSClientConfig configures the websocket feed client.
type WSClientConfig struct {
	// URL of the stream endpoint, e.g. ws://localhost:8080/api/v1/stream.
	URL            string
	Token          string
	Dialer         *websocket.Dialer
	Reconnect      bool
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	Logger         *zap.Logger
}

// WSClient subscribes to the stream endpoint over websockets.
type WSClient struct {
	cfg    WSClientConfig
	logger *zap.Logger
}

// NewWSClient constructs a websocket feed client.
func NewWSClient(cfg WSClientConfig) *WSClient {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{cfg: cfg, logger: logger}
}

// Subscribe dials the stream for sel. The first dial is synchronous so configuration errors surface
// to the caller; later drops are reported through onError as retryable feed errors.
func (c *WSClient) Subscribe(ctx context.Context, sel Selector, onSnapshot SnapshotFunc, onError ErrorFunc) (*Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint(sel)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		current = conn
	)
	detach := func() {
		cancel()
		mu.Lock()
		if current != nil {
			_ = current.Close()
		}
		mu.Unlock()
	}
	sub := NewSubscription(sel, onSnapshot, onError, detach)

	go func() {
		for {
			mu.Lock()
			active := current
			mu.Unlock()
			c.read(runCtx, active, sub)
			if runCtx.Err() != nil || !c.cfg.Reconnect {
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(c.cfg.ReconnectDelay):
			}
			next, err := c.dial(runCtx, endpoint)
			if err != nil {
				sub.Fail(err)
				mu.Lock()
				current = nil
				mu.Unlock()
				continue
			}
			mu.Lock()
			current = next
			mu.Unlock()
			sub.ResetSequence()
			c.logger.Info("feed reconnected", zap.String("selector", sel.Key()))
		}
	}()

	return sub, nil
}

func (c *WSClient) endpoint(sel Selector) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", appErrors.Feed(err, "invalid stream url", false)
	}
	q := u.Query()
	q.Set("collection", string(sel.Collection))
	if sel.CourseID != "" {
		q.Set("courseId", sel.CourseID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WSClient) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		temporary := true
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest) {
			temporary = false
		}
		return nil, appErrors.Feed(err, "dial stream", temporary)
	}
	return conn, nil
}

// read pumps frames from conn into sub until the connection fails or the subscription ends.
func (c *WSClient) read(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	if conn == nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	timeout := c.cfg.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || sub.Closed() {
				return
			}
			c.logger.Warn("feed read failed", zap.String("selector", sub.Selector().Key()), zap.Error(err))
			sub.Fail(appErrors.Feed(err, "stream connection lost", true))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		switch msg.Type {
		case MessageSnapshot:
			if msg.Snapshot == nil {
				continue
			}
			sub.Push(*msg.Snapshot)
		case MessageError:
			sub.Fail(msg.Error.Err())
		default:
			c.logger.Debug("feed frame ignored", zap.String("type", fmt.Sprint(msg.Type)))
		}
	}
}
