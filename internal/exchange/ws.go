// ws.go implements the market channel stream session.
//
// A Session is one physical WebSocket connection carrying every outcome of
// the watched market. It is opened by a Dialer, tagged with the caller's
// generation number, and reports its lifecycle to a SessionHandler:
//
//	SessionOpened  dialed and the subscription was written
//	SessionMessage one raw frame (keepalive acks are filtered out)
//	SessionClosed  exactly once, for any reason, including Close
//
// A session never reconnects itself; reconnect policy belongs to the caller,
// which uses the generation to ignore callbacks from sessions it has
// abandoned. A literal PING is written every ping interval and any inbound
// frame extends the read deadline, so a silent server is detected within
// the read timeout.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/pkg/types"
)

var pingFrame = []byte("PING")

// SessionHandler receives session lifecycle callbacks. Calls for one session
// arrive in order on that session's read goroutine.
type SessionHandler interface {
	SessionOpened(gen uint64)
	SessionMessage(gen uint64, data []byte)
	SessionClosed(gen uint64, err error)
}

// Dialer opens market channel sessions.
type Dialer struct {
	url          string
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	ws           *websocket.Dialer
	logger       *slog.Logger
}

// NewDialer creates a Dialer for the configured market channel URL.
func NewDialer(cfg config.Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		url:          cfg.API.WSMarketURL,
		pingInterval: cfg.Stream.PingInterval,
		readTimeout:  cfg.Stream.ReadTimeout,
		writeTimeout: cfg.Stream.WriteTimeout,
		ws:           websocket.DefaultDialer,
		logger:       logger.With("component", "ws_market"),
	}
}

// Session is one market channel connection.
type Session struct {
	id      string
	gen     uint64
	watch   []string
	creds   Credentials
	handler SessionHandler
	d       *Dialer
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards conn and closed
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex // serializes writers on conn
	done    chan struct{}
}

// Open starts a session for the watch set and returns immediately; dialing
// and subscribing happen in the background. It fails without dialing if
// creds is incomplete or the watch set is empty.
func (d *Dialer) Open(gen uint64, watch []string, creds Credentials, h SessionHandler) (*Session, error) {
	if !creds.Complete() {
		return nil, ErrAuthUnavailable
	}
	if len(watch) == 0 {
		return nil, errors.New("open session: empty watch set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		id:      id,
		gen:     gen,
		watch:   append([]string(nil), watch...),
		creds:   creds,
		handler: h,
		d:       d,
		logger:  d.logger.With("session", id, "gen", gen),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// ID returns the session's unique id, used in logs.
func (s *Session) ID() string { return s.id }

// Gen returns the generation the session was opened with.
func (s *Session) Gen() uint64 { return s.gen }

// Done is closed after SessionClosed has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down. It is idempotent, safe from any goroutine,
// and safe while the dial is still in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) run() {
	err := s.connectAndRead()
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	intentional := s.closed
	s.closed = true
	s.mu.Unlock()

	if intentional {
		err = ErrSessionClosed
		s.logger.Debug("session closed")
	} else {
		s.logger.Warn("session ended", "error", err)
	}
	s.handler.SessionClosed(s.gen, err)
	close(s.done)
}

func (s *Session) connectAndRead() error {
	conn, _, err := s.d.ws.DialContext(s.ctx, s.d.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		// Close raced the dial; drop the late connection.
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	sub := types.WSSubscribeMsg{
		Auth:     s.creds.WSAuth(),
		Type:     "market",
		AssetIDs: s.watch,
	}
	if err := s.writeJSON(conn, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "assets", len(s.watch))
	s.handler.SessionOpened(s.gen)

	go s.pingLoop(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.d.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if IsPong(msg) {
			continue
		}
		if s.isClosed() {
			return ErrSessionClosed
		}
		s.handler.SessionMessage(s.gen, msg)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.d.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(conn, websocket.TextMessage, pingFrame); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.d.writeTimeout))
	return conn.WriteJSON(v)
}

func (s *Session) writeMessage(conn *websocket.Conn, msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.d.writeTimeout))
	return conn.WriteMessage(msgType, data)
}
