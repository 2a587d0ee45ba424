package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/command"
	"github.com/onnwee/milkyway-bot/db"
)

type fakePlatform struct {
	mu            sync.Mutex
	subscribe401  int // remaining 401 answers
	send401       int
	sendErr       error
	issueErr      error
	subscribeKeys []string
	sentTokens    []string
	sent          []string
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	sendDelay     time.Duration
}

func (p *fakePlatform) IssueSessionURL(context.Context) (string, error) {
	if p.issueErr != nil {
		return "", p.issueErr
	}
	return "wss://fake.example/?auth=x", nil
}

func (p *fakePlatform) Subscribe(_ context.Context, tok *oauth2.Token, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeKeys = append(p.subscribeKeys, key)
	if p.subscribe401 > 0 {
		p.subscribe401--
		return fmt.Errorf("subscribe: %w", chzzk.ErrUnauthorized)
	}
	return nil
}

func (p *fakePlatform) SendChat(_ context.Context, tok *oauth2.Token, msg string) error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if p.sendDelay > 0 {
		time.Sleep(p.sendDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentTokens = append(p.sentTokens, tok.AccessToken)
	if p.send401 > 0 {
		p.send401--
		return fmt.Errorf("send: %w", chzzk.ErrUnauthorized)
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

type fakeCreds struct {
	mu    sync.Mutex
	creds map[string]db.Credential
}

func newFakeCreds(ids ...string) *fakeCreds {
	f := &fakeCreds{creds: map[string]db.Credential{}}
	for _, id := range ids {
		f.creds[id] = db.Credential{ChannelID: id, ChannelName: "name-" + id, AccessToken: "stored", RefreshToken: "rt",
			ExpiresAt: time.Now().Add(24 * time.Hour)}
	}
	return f
}

func (f *fakeCreds) Get(_ context.Context, id string) (db.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok {
		return db.Credential{}, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) List(context.Context) ([]db.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Credential
	for _, c := range f.creds {
		out = append(out, c)
	}
	return out, nil
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRefresher) Refresh(_ context.Context, id string) (db.Credential, error) {
	n := r.calls.Add(1)
	if r.err != nil {
		return db.Credential{}, r.err
	}
	return db.Credential{ChannelID: id, ChannelName: "name-" + id, AccessToken: fmt.Sprintf("fresh-%d", n),
		RefreshToken: "rt", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

type fakeSocket struct {
	opts   chzzk.SocketOptions
	closed atomic.Bool
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeDialer hands out sockets that announce a session key unless silent.
type fakeDialer struct {
	mu      sync.Mutex
	silent  bool
	dials   atomic.Int32
	sockets []*fakeSocket
	delay   time.Duration
}

func (d *fakeDialer) Dial(_ context.Context, _ string, opts chzzk.SocketOptions) (Socket, error) {
	n := d.dials.Add(1)
	sock := &fakeSocket{opts: opts}
	d.mu.Lock()
	d.sockets = append(d.sockets, sock)
	d.mu.Unlock()
	if !d.silent {
		go func() {
			if d.delay > 0 {
				time.Sleep(d.delay)
			}
			var ev chzzk.SystemEvent
			ev.Type = chzzk.SystemConnected
			ev.Data.SessionKey = fmt.Sprintf("key-%d", n)
			opts.OnSystem(ev)
		}()
	}
	return sock, nil
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []command.Message
	got  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 64)}
}

func (h *recordingHandler) Handle(_ context.Context, m command.Message, _ command.Sender) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *recordingHandler) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.msgs {
		out = append(out, m.Text)
	}
	return out
}

var errBoom = errors.New("boom")
