package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/milkyway-bot/db"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]db.Credential
	// unreadable is reported by ListExpiring alongside the readable rows.
	unreadable map[string]error
}

func newMemStore(creds ...db.Credential) *memStore {
	s := &memStore{creds: map[string]db.Credential{}}
	for _, c := range creds {
		s.creds[c.ChannelID] = c
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (db.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return db.Credential{}, db.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListExpiring(_ context.Context, within time.Duration) ([]db.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Credential
	cutoff := time.Now().Add(within)
	for _, c := range s.creds {
		if !c.ExpiresAt.After(cutoff) {
			out = append(out, c)
		}
	}
	if len(s.unreadable) > 0 {
		return out, &db.UnreadableError{Failed: s.unreadable}
	}
	return out, nil
}

func (s *memStore) UpdateTokens(_ context.Context, id, a, r string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return db.ErrNotFound
	}
	c.AccessToken, c.RefreshToken, c.ExpiresAt = a, r, exp
	s.creds[id] = c
	return nil
}

type fakePlatform struct {
	calls   atomic.Int32
	release chan struct{}
	fn      func(refresh string) (*oauth2.Token, error)
}

func (p *fakePlatform) RefreshToken(ctx context.Context, refresh string) (*oauth2.Token, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.fn(refresh)
}

type recordingSink struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (s *recordingSink) UpdateToken(id string, tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		s.tokens = map[string]string{}
	}
	s.tokens[id] = tok.AccessToken
}

func cred(id, refresh string, expiresIn time.Duration) db.Credential {
	return db.Credential{ChannelID: id, ChannelName: id, AccessToken: "old-" + id, RefreshToken: refresh, ExpiresAt: time.Now().Add(expiresIn)}
}

func TestSweepIsolatesFailures(t *testing.T) {
	store := newMemStore(
		cred("good", "rt-good", time.Hour),
		cred("bad", "rt-bad", time.Hour),
		cred("panics", "rt-panic", time.Hour),
		cred("fresh", "rt-fresh", 48*time.Hour),
	)
	platform := &fakePlatform{fn: func(rt string) (*oauth2.Token, error) {
		switch rt {
		case "rt-bad":
			return nil, errors.New("invalid_grant")
		case "rt-panic":
			panic("boom")
		}
		return &oauth2.Token{AccessToken: "new-" + rt, RefreshToken: "rotated", Expiry: time.Now().Add(24 * time.Hour)}, nil
	}}
	sink := &recordingSink{}
	r := NewRefresher(store, platform, 0, 13*time.Hour)
	r.Sink = sink

	res := r.Sweep(context.Background())
	if res.Checked != 3 || res.Refreshed != 1 || len(res.Failed) != 2 {
		t.Fatalf("SweepResult = %+v", res)
	}
	if _, ok := res.Failed["bad"]; !ok {
		t.Errorf("bad channel not reported failed")
	}
	if _, ok := res.Failed["panics"]; !ok {
		t.Errorf("panicking channel not reported failed")
	}

	good, _ := store.Get(context.Background(), "good")
	if good.AccessToken != "new-rt-good" || good.RefreshToken != "rotated" {
		t.Errorf("good credential = %+v", good)
	}
	bad, _ := store.Get(context.Background(), "bad")
	if bad.AccessToken != "old-bad" || bad.RefreshToken != "rt-bad" {
		t.Errorf("failed refresh mutated credential: %+v", bad)
	}
	if sink.tokens["good"] != "new-rt-good" || len(sink.tokens) != 1 {
		t.Errorf("sink tokens = %v", sink.tokens)
	}
}

func TestSweepContinuesPastUnreadableCredentials(t *testing.T) {
	store := newMemStore(cred("good", "rt-good", time.Hour))
	store.unreadable = map[string]error{"sealed": errors.New("decrypt access token: cipher: message authentication failed")}
	platform := &fakePlatform{fn: func(rt string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-" + rt, Expiry: time.Now().Add(24 * time.Hour)}, nil
	}}
	r := NewRefresher(store, platform, 0, 13*time.Hour)

	res := r.Sweep(context.Background())
	if res.Refreshed != 1 || res.Checked != 2 {
		t.Fatalf("SweepResult = %+v, want 2 checked 1 refreshed", res)
	}
	if res.Failed["sealed"] == nil || len(res.Failed) != 1 {
		t.Errorf("Failed = %v, want only sealed", res.Failed)
	}
	good, _ := store.Get(context.Background(), "good")
	if good.AccessToken != "new-rt-good" {
		t.Errorf("good credential not refreshed: %+v", good)
	}
}

func TestRefreshPreservesRefreshTokenWhenNotRotated(t *testing.T) {
	store := newMemStore(cred("ch", "keep-me", time.Hour))
	platform := &fakePlatform{fn: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(24 * time.Hour)}, nil
	}}
	r := NewRefresher(store, platform, 0, 0)
	c, err := r.Refresh(context.Background(), "ch")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.RefreshToken != "keep-me" || c.AccessToken != "new" {
		t.Errorf("Refresh = %+v", c)
	}
	stored, _ := store.Get(context.Background(), "ch")
	if stored.RefreshToken != "keep-me" {
		t.Errorf("stored refresh token = %q", stored.RefreshToken)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	store := newMemStore(cred("ch", "rt", time.Hour))
	platform := &fakePlatform{
		release: make(chan struct{}),
		fn: func(string) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: "new", RefreshToken: "rt2", Expiry: time.Now().Add(time.Hour)}, nil
		},
	}
	r := NewRefresher(store, platform, 0, 0)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Refresh(context.Background(), "ch")
			if err == nil && c.AccessToken != "new" {
				err = errors.New("unexpected token " + c.AccessToken)
			}
			errs <- err
		}()
	}
	// let the callers pile up on the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(platform.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}
	if n := platform.calls.Load(); n != 1 {
		t.Errorf("platform calls = %d, want 1", n)
	}
}

func TestRefreshMissingCredential(t *testing.T) {
	r := NewRefresher(newMemStore(), &fakePlatform{}, 0, 0)
	if _, err := r.Refresh(context.Background(), "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStartRunsSweep(t *testing.T) {
	store := newMemStore(cred("ch", "rt", time.Minute))
	platform := &fakePlatform{fn: func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(48 * time.Hour)}, nil
	}}
	r := NewRefresher(store, platform, 50*time.Millisecond, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	r.Start(ctx)

	deadline := time.After(400 * time.Millisecond)
	for platform.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresher never swept")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	tok := Token(db.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: exp})
	if tok.AccessToken != "a" || tok.TokenType != "Bearer" || !tok.Expiry.Equal(exp) {
		t.Errorf("Token = %+v", tok)
	}
}
