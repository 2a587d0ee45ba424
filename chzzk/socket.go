package chzzk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ErrReconnectExhausted is reported when every reconnect attempt failed.
var ErrReconnectExhausted = errors.New("chzzk: socket reconnect attempts exhausted")

const writeWait = 10 * time.Second

// SocketOptions configures a Socket. Callbacks run on the socket's read
// goroutine and must not block.
type SocketOptions struct {
	OnSystem func(SystemEvent)
	OnChat   func(ChatEvent)
	// OnClosed runs once when the socket stops for good: err is nil after
	// Close and non-nil when reconnecting gave up.
	OnClosed func(err error)
	// ReconnectAttempts bounds redials after a dropped connection. Zero
	// disables reconnecting.
	ReconnectAttempts int
	Backoff           *backoff.Backoff
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Socket is a socket.io client over a single websocket with bounded
// automatic reconnects.
type Socket struct {
	url  string
	opts SocketOptions
	log  *slog.Logger

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// DialSocket connects to the session URL issued by Client.IssueSessionURL.
func DialSocket(ctx context.Context, sessionURL string, opts SocketOptions) (*Socket, error) {
	wsURL, err := socketURL(sessionURL)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backoff == nil {
		opts.Backoff = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	}
	s := &Socket{
		url:    wsURL,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "chzzk_socket")),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	go s.run(conn)
	return s, nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	d := s.opts.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, resp, err := d.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	return conn, nil
}

// Done is closed once the socket has stopped for good.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the terminal error after Done is closed.
func (s *Socket) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close disconnects and stops reconnecting. It does not wait for the read
// goroutine, so it is safe to call from a callback.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}
		_ = s.write(conn, string([]byte{engineMessage, socketDisconnect}))
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) finish(err error) {
	s.err = err
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(err)
	}
}

func (s *Socket) run(conn *websocket.Conn) {
	defer close(s.done)
	b := s.opts.Backoff
	for {
		err := s.serve(conn)
		_ = conn.Close()
		if s.isClosed() {
			s.finish(nil)
			return
		}
		s.log.Warn("socket connection lost", slog.Any("err", err))

		conn = nil
		for attempt := 1; attempt <= s.opts.ReconnectAttempts && conn == nil; attempt++ {
			select {
			case <-s.closed:
				s.finish(nil)
				return
			case <-time.After(b.Duration()):
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			c, derr := s.dial(ctx)
			cancel()
			if derr != nil {
				err = derr
				s.log.Warn("socket reconnect failed", slog.Int("attempt", attempt), slog.Any("err", derr))
				continue
			}
			conn = c
		}
		if conn == nil {
			s.finish(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.opts.ReconnectAttempts, err))
			return
		}
		b.Reset()

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		if s.isClosed() {
			_ = conn.Close()
			s.finish(nil)
			return
		}
		s.log.Info("socket reconnected")
	}
}

// serve reads frames from one connection until it fails.
func (s *Socket) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	var readTimeout time.Duration
	pingStarted := false
	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := decodeFrame(string(msg))
		if err != nil {
			s.log.Debug("dropping malformed frame", slog.Any("err", err))
			continue
		}
		switch f.engine {
		case engineOpen:
			interval := f.open.interval()
			readTimeout = interval + time.Duration(f.open.PingTimeout)*time.Millisecond
			if !pingStarted {
				pingStarted = true
				go s.pingLoop(conn, interval, stop)
			}
		case enginePing:
			if err := s.write(conn, string([]byte{enginePong})); err != nil {
				return err
			}
		case engineClose:
			return errors.New("server closed engine session")
		case engineMessage:
			switch f.socket {
			case socketDisconnect:
				return errors.New("server disconnected socket")
			case socketError:
				s.log.Warn("socket error packet", slog.String("frame", string(msg)))
			case socketEvent:
				s.dispatch(f)
			}
		}
	}
}

func (s *Socket) dispatch(f frame) {
	switch f.event {
	case EventSystem:
		ev, err := DecodeSystem(f.data)
		if err != nil {
			s.log.Warn("bad system event", slog.Any("err", err))
			return
		}
		if s.opts.OnSystem != nil {
			s.opts.OnSystem(ev)
		}
	case EventChat:
		ev, err := DecodeChat(f.data)
		if err != nil {
			s.log.Warn("bad chat event", slog.Any("err", err))
			return
		}
		if s.opts.OnChat != nil {
			s.opts.OnChat(ev)
		}
	default:
		s.log.Debug("ignoring event", slog.String("event", f.event))
	}
}

func (s *Socket) pingLoop(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := s.write(conn, string([]byte{enginePing})); err != nil {
				s.log.Debug("ping failed", slog.Any("err", err))
				return
			}
		}
	}
}

func (s *Socket) write(conn *websocket.Conn, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}
