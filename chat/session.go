package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/command"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/oauth"
	"github.com/onnwee/milkyway-bot/telemetry"
)

var (
	// ErrHandshakeTimeout is returned when the socket never delivered a session key.
	ErrHandshakeTimeout = errors.New("chat: handshake timed out waiting for session key")
	// ErrNotConnected is returned for operations that need a live session.
	ErrNotConnected = errors.New("chat: session not connected")
)

// echoWindow is how long a sent message is remembered for echo suppression.
const echoWindow = 30 * time.Second

// Platform is the subset of chzzk.Client a session calls.
type Platform interface {
	IssueSessionURL(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, tok *oauth2.Token, sessionKey string) error
	SendChat(ctx context.Context, tok *oauth2.Token, message string) error
}

// CredentialSource loads a channel's stored credential.
type CredentialSource interface {
	Get(ctx context.Context, channelID string) (db.Credential, error)
}

// Refresher refreshes a channel's token on demand.
type Refresher interface {
	Refresh(ctx context.Context, channelID string) (db.Credential, error)
}

// Handler consumes chat lines. It is called from a single goroutine per session.
type Handler interface {
	Handle(ctx context.Context, msg command.Message, reply command.Sender)
}

// Socket is a live event-stream connection.
type Socket interface {
	Close() error
}

// DialFunc opens the event stream at a session URL.
type DialFunc func(ctx context.Context, url string, opts chzzk.SocketOptions) (Socket, error)

// DialChzzk dials with chzzk.DialSocket.
func DialChzzk(ctx context.Context, url string, opts chzzk.SocketOptions) (Socket, error) {
	sock, err := chzzk.DialSocket(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Platform    Platform
	Credentials CredentialSource
	Refresher   Refresher
	Handler     Handler
	Dial        DialFunc
}

// Options tune session behavior. Zero values take defaults.
type Options struct {
	HandshakeTimeout  time.Duration // 5s
	SendDelay         time.Duration // 0
	LazyRefreshWithin time.Duration // 14h
	ReconnectAttempts int           // 5; negative disables reconnects
	EventBuffer       int           // 256
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.LazyRefreshWithin <= 0 {
		o.LazyRefreshWithin = 14 * time.Hour
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	} else if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = 5
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	return o
}

// State is a session's lifecycle stage.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SessionInfo is a snapshot for listings.
type SessionInfo struct {
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

type sentLine struct {
	text string
	at   time.Time
}

// Session is one channel's live chat connection.
type Session struct {
	channelID string
	deps      Deps
	opts      Options
	log       *slog.Logger

	token atomic.Pointer[oauth2.Token]
	state atomic.Int32

	mu          sync.Mutex
	channelName string
	sessionKey  string
	socket      Socket
	connectedAt time.Time

	handshake     chan string
	handshakeOnce sync.Once

	events    chan command.Message
	bg        context.Context
	cancelBg  context.CancelFunc
	closeOnce sync.Once

	sendMu sync.Mutex

	echoMu sync.Mutex
	sent   []sentLine
}

// NewSession builds an unconnected session.
func NewSession(channelID string, deps Deps, opts Options) *Session {
	if deps.Dial == nil {
		deps.Dial = DialChzzk
	}
	opts = opts.withDefaults()
	bg, cancel := context.WithCancel(context.Background())
	return &Session{
		channelID: channelID,
		deps:      deps,
		opts:      opts,
		log:       slog.Default().With(slog.String("channel_id", channelID), slog.String("component", "chat_session")),
		handshake: make(chan string, 1),
		events:    make(chan command.Message, opts.EventBuffer),
		bg:        bg,
		cancelBg:  cancel,
	}
}

// ChannelID returns the channel this session serves.
func (s *Session) ChannelID() string { return s.channelID }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether the session is usable.
func (s *Session) Alive() bool { return s.State() == StateConnected }

// SessionKey returns the key of the current socket session.
func (s *Session) SessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

// Info returns a listing snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ChannelID:   s.channelID,
		ChannelName: s.channelName,
		State:       s.State().String(),
		ConnectedAt: s.connectedAt,
	}
}

// Token returns the cached access token, or nil before EnsureAuth.
func (s *Session) Token() *oauth2.Token { return s.token.Load() }

// UpdateToken replaces the cached token without reconnecting.
func (s *Session) UpdateToken(tok *oauth2.Token) {
	if tok != nil {
		s.token.Store(tok)
	}
}

// EnsureAuth loads the channel credential when no token is cached or force
// is set. A credential expiring within the lazy horizon is refreshed first;
// if that refresh fails the stored token is used as is.
func (s *Session) EnsureAuth(ctx context.Context, force bool) error {
	if !force && s.token.Load() != nil {
		return nil
	}
	cred, err := s.deps.Credentials.Get(ctx, s.channelID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if time.Until(cred.ExpiresAt) < s.opts.LazyRefreshWithin && s.deps.Refresher != nil {
		fresh, rerr := s.deps.Refresher.Refresh(ctx, s.channelID)
		if rerr != nil {
			s.log.Warn("lazy token refresh failed; using stored token", slog.Any("err", rerr))
		} else {
			cred = fresh
		}
	}
	s.token.Store(oauth.Token(cred))
	s.mu.Lock()
	s.channelName = cred.ChannelName
	s.mu.Unlock()
	return nil
}

// reauth refreshes after a 401.
func (s *Session) reauth(ctx context.Context) error {
	if s.deps.Refresher == nil {
		return errors.New("no refresher configured")
	}
	cred, err := s.deps.Refresher.Refresh(ctx, s.channelID)
	if err != nil {
		return err
	}
	s.token.Store(oauth.Token(cred))
	return nil
}

// withToken runs call with the current token, refreshing and retrying once
// on chzzk.ErrUnauthorized.
func (s *Session) withToken(ctx context.Context, call func(*oauth2.Token) error) error {
	if err := s.EnsureAuth(ctx, false); err != nil {
		return err
	}
	err := call(s.token.Load())
	if !errors.Is(err, chzzk.ErrUnauthorized) {
		return err
	}
	s.log.Info("platform returned 401; refreshing token")
	if rerr := s.reauth(ctx); rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	return call(s.token.Load())
}

// Connect opens the event stream and waits for the session key.
func (s *Session) Connect(ctx context.Context) (err error) {
	if s.State() == StateDisconnected {
		return ErrNotConnected
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "chat.connect", attribute.String("channel_id", s.channelID))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if err := s.EnsureAuth(ctx, false); err != nil {
		return err
	}
	url, err := s.deps.Platform.IssueSessionURL(ctx)
	if err != nil {
		return fmt.Errorf("issue session url: %w", err)
	}
	sock, err := s.deps.Dial(ctx, url, chzzk.SocketOptions{
		OnSystem:          s.onSystem,
		OnChat:            s.onChat,
		OnClosed:          s.onSocketClosed,
		ReconnectAttempts: s.opts.ReconnectAttempts,
		Backoff:           &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true},
		Logger:            s.log,
	})
	if err != nil {
		return fmt.Errorf("connect socket: %w", err)
	}
	s.mu.Lock()
	s.socket = sock
	s.mu.Unlock()

	select {
	case key := <-s.handshake:
		s.mu.Lock()
		s.sessionKey = key
		s.connectedAt = time.Now()
		s.mu.Unlock()
	case <-time.After(s.opts.HandshakeTimeout):
		s.Disconnect()
		return ErrHandshakeTimeout
	case <-ctx.Done():
		s.Disconnect()
		return ctx.Err()
	}
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateConnected)) {
		return ErrNotConnected
	}
	go s.worker()
	s.log.Info("chat session connected")
	return nil
}

// Subscribe attaches chat events to the current socket session.
func (s *Session) Subscribe(ctx context.Context) (err error) {
	key := s.SessionKey()
	if key == "" {
		return ErrNotConnected
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "chat.subscribe", attribute.String("channel_id", s.channelID))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()
	err = s.withToken(ctx, func(tok *oauth2.Token) error {
		return s.deps.Platform.Subscribe(ctx, tok, key)
	})
	if err != nil {
		return fmt.Errorf("subscribe chat: %w", err)
	}
	s.log.Info("chat subscribed")
	return nil
}

// Send posts text to the channel. Sends from one session are serialized.
func (s *Session) Send(ctx context.Context, text string) (err error) {
	if s.State() == StateDisconnected {
		return ErrNotConnected
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSession, "chat.send", attribute.String("channel_id", s.channelID))
	defer func() {
		telemetry.RecordError(span, err)
		telemetry.RecordSend(err)
		span.End()
	}()

	if s.opts.SendDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.SendDelay):
		}
	}
	s.rememberSent(text)
	err = s.withToken(ctx, func(tok *oauth2.Token) error {
		return s.deps.Platform.SendChat(ctx, tok, text)
	})
	if err != nil {
		s.forgetSent(text)
		return fmt.Errorf("send chat: %w", err)
	}
	return nil
}

// Disconnect closes the socket and stops the event worker. Safe to call
// more than once.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		s.cancelBg()
		s.mu.Lock()
		sock := s.socket
		s.mu.Unlock()
		if sock != nil {
			if err := sock.Close(); err != nil {
				s.log.Debug("socket close", slog.Any("err", err))
			}
		}
		s.log.Info("chat session disconnected")
	})
}

func (s *Session) onSystem(ev chzzk.SystemEvent) {
	switch ev.Type {
	case chzzk.SystemConnected:
		key := ev.Data.SessionKey
		first := false
		s.handshakeOnce.Do(func() {
			first = true
			s.handshake <- key
		})
		if first {
			return
		}
		// the socket reconnected and was issued a new session key
		s.mu.Lock()
		s.sessionKey = key
		s.mu.Unlock()
		go func() {
			if err := s.Subscribe(s.bg); err != nil {
				s.log.Warn("resubscribe after reconnect failed", slog.Any("err", err))
			}
		}()
	case chzzk.SystemRevoked:
		s.log.Warn("event subscription revoked", slog.String("event_type", ev.Data.EventType))
	default:
		s.log.Debug("system event", slog.String("type", ev.Type))
	}
}

func (s *Session) onChat(ev chzzk.ChatEvent) {
	telemetry.IncChatReceived()
	if ev.SenderChannelID == s.channelID && s.consumeEcho(ev.Content) {
		return
	}
	msg := command.Message{
		ChannelID: s.channelID,
		Text:      ev.Content,
		Role:      ev.Profile.UserRoleCode,
		UserID:    ev.SenderChannelID,
		UserName:  ev.Profile.Nickname,
	}
	select {
	case s.events <- msg:
	default:
		telemetry.IncChatDropped()
		s.log.Warn("chat event buffer full; dropping message")
	}
}

func (s *Session) onSocketClosed(err error) {
	if err == nil {
		return
	}
	s.log.Error("chat socket gave up reconnecting", slog.Any("err", err))
	telemetry.IncSessionTerminated()
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		s.cancelBg()
	})
}

func (s *Session) worker() {
	for {
		select {
		case <-s.bg.Done():
			return
		case msg := <-s.events:
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg command.Message) {
	if s.deps.Handler == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("chat handler panicked", slog.Any("panic", p))
		}
	}()
	s.deps.Handler.Handle(s.bg, msg, s)
}

func (s *Session) rememberSent(text string) {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	now := time.Now()
	kept := s.sent[:0]
	for _, l := range s.sent {
		if now.Sub(l.at) < echoWindow {
			kept = append(kept, l)
		}
	}
	s.sent = append(kept, sentLine{text: text, at: now})
}

func (s *Session) forgetSent(text string) {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].text == text {
			s.sent = append(s.sent[:i], s.sent[i+1:]...)
			return
		}
	}
}

// consumeEcho reports whether text is a line this session sent recently,
// removing it so a later identical line from the owner is dispatched.
func (s *Session) consumeEcho(text string) bool {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	now := time.Now()
	for i, l := range s.sent {
		if l.text == text && now.Sub(l.at) < echoWindow {
			s.sent = append(s.sent[:i], s.sent[i+1:]...)
			return true
		}
	}
	return false
}
