package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess98-live/internal/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrAlreadyConnected = errors.New("channel already connected")
	ErrBadURL           = errors.New("bad websocket url")
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultSendTimeout  = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 3 * time.Second
	maxPingFailures     = 2
	closeReason         = "client disconnect"
)

// HeaderProvider returns extra handshake headers (auth token and the like).
type HeaderProvider func() map[string]string

type Options struct {
	HeaderProvider HeaderProvider
	DialTimeout    time.Duration
	SendTimeout    time.Duration
	PingInterval   time.Duration // negative disables pings
	PingTimeout    time.Duration
	Logger         *zap.Logger
}

// Client is a single bidirectional connection to one game session.
// It never reconnects on its own; after OnClose the owner decides.
type Client struct {
	baseURL string
	opts    Options
	logger  *zap.Logger

	mu  sync.Mutex
	cur *link
}

// link is one open socket and the goroutines reading and pinging it.
type link struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	handlers Handlers
	wg       sync.WaitGroup
	endOnce  sync.Once
	detached atomic.Bool // set by Disconnect: suppresses OnClose
}

func NewClient(baseURL string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		opts:    opts,
		logger:  logger,
	}
}

// GameURL builds <base>/ws/game/<sessionID>?user_id=<playerID>.
func GameURL(base, sessionID, playerID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrBadURL)
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: empty session id", ErrBadURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/game/" + url.PathEscape(sessionID)
	q := u.Query()
	q.Set("user_id", playerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the socket and starts the read and ping loops.
// ctx bounds the handshake only.
func (c *Client) Connect(ctx context.Context, sessionID, playerID string, h Handlers) error {
	target, err := GameURL(c.baseURL, sessionID, playerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		c.logger.Warn("channel_dial_failed", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("dial %s: %w", sessionID, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	l := &link{
		id:       uuid.NewString(),
		conn:     conn,
		ctx:      loopCtx,
		cancel:   loopCancel,
		handlers: h,
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		loopCancel()
		_ = conn.Close(websocket.StatusNormalClosure, closeReason)
		return ErrAlreadyConnected
	}
	c.cur = l
	c.mu.Unlock()

	c.logger.Info("channel_open",
		zap.String("session_id", sessionID),
		zap.String("conn_id", l.id),
	)

	l.wg.Add(1)
	go c.readLoop(l)
	if c.opts.PingInterval > 0 {
		l.wg.Add(1)
		go c.pingLoop(l)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Send writes one JSON text frame. A write that misses the send deadline
// tears the socket down, which surfaces through OnClose.
func (c *Client) Send(ctx context.Context, msg protocol.Outbound) error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	if err := wsjson.Write(sendCtx, l.conn, msg); err != nil {
		c.logger.Warn("channel_send_failed",
			zap.String("conn_id", l.id),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	c.logger.Debug("channel_sent", zap.String("conn_id", l.id), zap.String("type", string(msg.Type)))
	return nil
}

// Disconnect closes the socket normally and waits for its loops.
// OnClose is not invoked. Must not be called from inside a handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	l.detached.Store(true)
	err := l.conn.Close(websocket.StatusNormalClosure, closeReason)
	l.cancel()
	l.wg.Wait()
	if err != nil {
		// the peer may have closed first; the socket is gone either way
		c.logger.Debug("channel_close_error", zap.String("conn_id", l.id), zap.Error(err))
	}
	c.logger.Info("channel_disconnected", zap.String("conn_id", l.id))
	return nil
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Client) readLoop(l *link) {
	defer l.wg.Done()
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			c.end(l, err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("channel_non_text_frame", zap.String("conn_id", l.id))
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("channel_malformed_frame",
				zap.String("conn_id", l.id),
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
			if l.handlers.OnMalformed != nil {
				l.handlers.OnMalformed(data, err)
			}
			continue
		}
		l.handlers.dispatch(msg)
	}
}

func (c *Client) pingLoop(l *link) {
	defer l.wg.Done()
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(l.ctx, c.opts.PingTimeout)
			err := l.conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Debug("channel_ping_failed", zap.String("conn_id", l.id), zap.Int("failures", failures), zap.Error(err))
			if failures >= maxPingFailures {
				c.end(l, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// end tears l down once and reports the loss unless Disconnect detached it.
func (c *Client) end(l *link, cause error) {
	l.endOnce.Do(func() {
		l.cancel()
		_ = l.conn.Close(websocket.StatusGoingAway, "connection lost")

		c.mu.Lock()
		if c.cur == l {
			c.cur = nil
		}
		c.mu.Unlock()

		if l.detached.Load() {
			return
		}
		c.logger.Info("channel_closed", zap.String("conn_id", l.id), zap.Error(cause))
		if l.handlers.OnClose != nil {
			l.handlers.OnClose(cause)
		}
	})
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.opts.HeaderProvider == nil {
		return hdr
	}
	for k, v := range c.opts.HeaderProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
