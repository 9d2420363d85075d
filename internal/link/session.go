package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/observability"
)

const (
	defaultReadLimit    = 4 * 1024 * 1024
	defaultCloseGrace   = 5 * time.Second
	sessionWriteTimeout = 5 * time.Second
)

// FrameHandler consumes one inbound data frame.
type FrameHandler func(frame []byte, receivedAt time.Time)

// SessionOptions configures a Session.
type SessionOptions struct {
	Exchange   string
	URL        string
	ReadLimit  int64
	CloseGrace time.Duration
	Dial       *websocket.DialOptions
	OnFrame    FrameHandler
	// OnClose runs once when the receive loop exits for any reason other than Close.
	OnClose func(err error)
	Logger  observability.Logger
}

// Session is a single WebSocket connection. It is dialed once and replaced wholesale
// on reconnect; it never redials by itself.
type Session struct {
	opts   SessionOptions
	logger observability.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	connected     atomic.Bool
	lastMessageAt atomic.Int64
}

// NewSession builds an unconnected session.
func NewSession(opts SessionOptions) *Session {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	return &Session{
		opts:   opts,
		logger: observability.OrDefault(opts.Logger),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the receive loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn != nil {
		return errs.New(s.opts.Exchange, errs.CodeInvalid, errs.WithMessage("session already used"))
	}

	conn, _, err := websocket.Dial(ctx, s.opts.URL, s.opts.Dial)
	if err != nil {
		return errs.New(s.opts.Exchange, errs.CodeNetwork,
			errs.WithMessage("dial "+s.opts.URL),
			errs.WithCause(err))
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.touch(time.Now())
	s.connected.Store(true)

	go s.readLoop(loopCtx, conn)
	return nil
}

// Send writes a text frame. It fails with errs.CodeNotConnected when no socket is open.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil || !s.connected.Load() {
		return errs.New(s.opts.Exchange, errs.CodeNotConnected, errs.WithMessage("socket not open"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
		return errs.New(s.opts.Exchange, errs.CodeNetwork, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

// Close shuts the socket down with a normal closure, forcing it after the grace period.
// Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	s.mu.Unlock()

	s.connected.Store(false)
	if conn == nil {
		return nil
	}

	closed := make(chan error, 1)
	go func() {
		closed <- conn.Close(websocket.StatusNormalClosure, "")
	}()

	var err error
	select {
	case err = <-closed:
	case <-time.After(s.opts.CloseGrace):
		err = conn.CloseNow()
		s.logger.Warn("websocket close handshake timed out",
			observability.F("exchange", s.opts.Exchange),
			observability.F("grace", s.opts.CloseGrace))
	}
	cancel()

	select {
	case <-s.done:
	case <-time.After(s.opts.CloseGrace):
	}
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// Done is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsHealthy reports whether the socket is open and the receive loop is running.
func (s *Session) IsHealthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	open := s.conn != nil
	s.mu.RUnlock()
	return open && s.connected.Load()
}

// MarkUnhealthy flags the session for replacement without closing it.
func (s *Session) MarkUnhealthy() {
	s.connected.Store(false)
}

// LastMessageAt returns the arrival time of the last inbound frame.
func (s *Session) LastMessageAt() time.Time {
	return time.Unix(0, s.lastMessageAt.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastMessageAt.Store(now.UnixNano())
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.connected.Store(false)
			s.mu.RLock()
			closedByUs := s.closed
			s.mu.RUnlock()
			if closedByUs {
				return
			}
			err = classifyReadErr(s.opts.Exchange, err)
			s.logger.Warn("websocket receive loop stopped",
				observability.F("exchange", s.opts.Exchange),
				observability.Err(err))
			if s.opts.OnClose != nil {
				s.opts.OnClose(err)
			}
			return
		}

		now := time.Now()
		s.touch(now)
		if s.opts.OnFrame != nil {
			s.opts.OnFrame(data, now)
		}
	}
}

func classifyReadErr(exchange string, err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return errs.New(exchange, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("remote closed with status %d", status)),
			errs.WithCause(err))
	}
	return errs.New(exchange, errs.CodeNetwork, errs.WithMessage("read frame"), errs.WithCause(err))
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
