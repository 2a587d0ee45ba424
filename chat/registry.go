package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// ErrNoSession is returned when a channel has no registered session.
var ErrNoSession = errors.New("chat: no session for channel")

// CredentialLister enumerates every authorized channel.
type CredentialLister interface {
	List(ctx context.Context) ([]db.Credential, error)
}

// Registry tracks the live session of each channel.
type Registry struct {
	deps    Deps
	opts    Options
	lister  CredentialLister
	restore int

	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry returns an empty registry. restoreConcurrency bounds RestoreAll.
func NewRegistry(deps Deps, opts Options, lister CredentialLister, restoreConcurrency int) *Registry {
	if restoreConcurrency <= 0 {
		restoreConcurrency = 8
	}
	return &Registry{
		deps:     deps,
		opts:     opts,
		lister:   lister,
		restore:  restoreConcurrency,
		sessions: map[string]*Session{},
		locks:    map[string]*keyLock{},
	}
}

// lockKey serializes create and remove for channelID. The returned func
// releases the lock and forgets it once no caller holds or awaits it.
func (r *Registry) lockKey(channelID string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[channelID]
	if !ok {
		l = &keyLock{}
		r.locks[channelID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.locks, channelID)
		}
		r.locksMu.Unlock()
	}
}

// Get returns the registered session for channelID.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// GetOrCreate returns the live session for channelID, connecting and
// subscribing a new one when none is live. created reports which happened.
func (r *Registry) GetOrCreate(ctx context.Context, channelID string) (s *Session, created bool, err error) {
	if s, ok := r.Get(channelID); ok && s.Alive() {
		return s, false, nil
	}
	unlock := r.lockKey(channelID)
	defer unlock()

	if s, ok := r.Get(channelID); ok {
		if s.Alive() {
			return s, false, nil
		}
		r.mu.Lock()
		delete(r.sessions, channelID)
		r.mu.Unlock()
		s.Disconnect()
	}

	s = NewSession(channelID, r.deps, r.opts)
	if err := s.Connect(ctx); err != nil {
		s.Disconnect()
		return nil, false, fmt.Errorf("connect %s: %w", channelID, err)
	}
	if err := s.Subscribe(ctx); err != nil {
		s.Disconnect()
		return nil, false, fmt.Errorf("subscribe %s: %w", channelID, err)
	}

	r.mu.Lock()
	r.sessions[channelID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	telemetry.SetActiveSessions(n)
	return s, true, nil
}

// Open is GetOrCreate for callers that only need the session snapshot.
func (r *Registry) Open(ctx context.Context, channelID string) (SessionInfo, bool, error) {
	s, created, err := r.GetOrCreate(ctx, channelID)
	if err != nil {
		return SessionInfo{}, false, err
	}
	return s.Info(), created, nil
}

// Send posts text through the channel's registered session.
func (r *Registry) Send(ctx context.Context, channelID, text string) error {
	s, ok := r.Get(channelID)
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, text)
}

// Remove disconnects and forgets the session. It reports whether one existed.
// A create in flight for the channel finishes first and is then removed.
func (r *Registry) Remove(channelID string) bool {
	unlock := r.lockKey(channelID)
	defer unlock()

	r.mu.Lock()
	s, ok := r.sessions[channelID]
	delete(r.sessions, channelID)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Disconnect()
	telemetry.SetActiveSessions(n)
	return true
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()
	for _, s := range all {
		s.Disconnect()
	}
	telemetry.SetActiveSessions(0)
}

// List returns a snapshot of every registered session ordered by channel.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// UpdateToken pushes a refreshed token into the channel's live session.
func (r *Registry) UpdateToken(channelID string, tok *oauth2.Token) {
	if s, ok := r.Get(channelID); ok {
		s.UpdateToken(tok)
	}
}

// RestoreAll opens a session for every stored credential in parallel. The
// returned map holds per-channel failures; one failure never stops the rest.
func (r *Registry) RestoreAll(ctx context.Context) (map[string]error, error) {
	creds, err := r.lister.List(ctx)
	// rows that could not be decrypted count as failed channels
	failures := map[string]error{}
	var unreadable *db.UnreadableError
	switch {
	case errors.As(err, &unreadable):
		for ch, uerr := range unreadable.Failed {
			failures[ch] = uerr
		}
	case err != nil:
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	total := len(creds) + len(failures)
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.restore)
	for _, c := range creds {
		g.Go(func() error {
			if _, _, err := r.GetOrCreate(ctx, c.ChannelID); err != nil {
				mu.Lock()
				failures[c.ChannelID] = err
				mu.Unlock()
				slog.Warn("session restore failed", slog.String("channel_id", c.ChannelID), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("sessions restored",
		slog.Int("total", total),
		slog.Int("failed", len(failures)),
		slog.String("component", "chat_registry"))
	return failures, nil
}
