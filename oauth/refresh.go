// Package oauth keeps channel credentials valid. A Refresher sweeps the
// credential store on a jittered interval, refreshes tokens nearing expiry,
// and serves on-demand refreshes for live sessions. Concurrent refreshes of
// one channel share a single platform call.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/milkyway-bot/chzzk"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// Refresh triggers recorded in metrics.
const (
	TriggerSweep    = "sweep"
	TriggerOnDemand = "on_demand"
)

// CredentialStore is the subset of db.CredentialStore the refresher uses.
type CredentialStore interface {
	Get(ctx context.Context, channelID string) (db.Credential, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]db.Credential, error)
	UpdateTokens(ctx context.Context, channelID, access, refresh string, expiresAt time.Time) error
}

// Platform runs the refresh_token grant.
type Platform interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenSink receives refreshed tokens so live sessions pick them up without
// reconnecting.
type TokenSink interface {
	UpdateToken(channelID string, tok *oauth2.Token)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked   int
	Refreshed int
	Failed    map[string]error
}

// Refresher coordinates token refreshes.
type Refresher struct {
	Store    CredentialStore
	Platform Platform
	// Sink is optional and may be set after construction, before Start.
	Sink     TokenSink
	Interval time.Duration
	Window   time.Duration
	// Timeout bounds one platform refresh call.
	Timeout time.Duration

	group singleflight.Group
}

// NewRefresher returns a Refresher with defaults for zero durations
// (12h interval, 13h window).
func NewRefresher(store CredentialStore, platform Platform, interval, window time.Duration) *Refresher {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	if window <= 0 {
		window = 13 * time.Hour
	}
	return &Refresher{Store: store, Platform: platform, Interval: interval, Window: window, Timeout: 15 * time.Second}
}

// Token converts a stored credential into a bearer token.
func Token(c db.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}

// Start launches the background sweep loop. The first sweep runs after a
// short random delay; later sweeps run every Interval ±20%.
func (r *Refresher) Start(ctx context.Context) {
	interval := r.Interval
	maxInitial := min(30*time.Second, interval/2)
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int63n(int64(maxInitial) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initial):
		}
		for {
			res := r.Sweep(ctx)
			if res.Checked > 0 {
				slog.Info("token sweep complete",
					slog.Int("checked", res.Checked),
					slog.Int("refreshed", res.Refreshed),
					slog.Int("failed", len(res.Failed)),
					slog.String("component", "oauth_refresher"))
			}
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

// Sweep refreshes every credential expiring within Window. One channel's
// failure, or panic, never stops the others.
func (r *Refresher) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Failed: map[string]error{}}
	var creds []db.Credential
	telemetry.TimeFunc(telemetry.SweepDuration, func() {
		var err error
		creds, err = r.Store.ListExpiring(ctx, r.Window)
		var unreadable *db.UnreadableError
		switch {
		case errors.As(err, &unreadable):
			for ch, uerr := range unreadable.Failed {
				res.Checked++
				res.Failed[ch] = uerr
			}
		case err != nil:
			slog.Warn("token sweep: list expiring failed", slog.Any("err", err), slog.String("component", "oauth_refresher"))
			return
		}
		for _, c := range creds {
			if ctx.Err() != nil {
				return
			}
			res.Checked++
			if _, err := r.refresh(ctx, c.ChannelID, TriggerSweep); err != nil {
				res.Failed[c.ChannelID] = err
				slog.Warn("token refresh failed",
					slog.String("channel_id", c.ChannelID),
					slog.String("channel_name", c.ChannelName),
					slog.String("class", chzzk.Classify(err).String()),
					slog.Any("err", err))
				continue
			}
			res.Refreshed++
		}
	})
	return res
}

// Refresh refreshes one channel now and returns the stored result.
// Concurrent calls for the same channel share one platform request.
func (r *Refresher) Refresh(ctx context.Context, channelID string) (db.Credential, error) {
	return r.refresh(ctx, channelID, TriggerOnDemand)
}

func (r *Refresher) refresh(ctx context.Context, channelID, trigger string) (db.Credential, error) {
	ch := r.group.DoChan(channelID, func() (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("refresh panicked: %v", p)
			}
		}()
		// detached from the first caller's cancellation; every waiter shares it
		return r.doRefresh(context.WithoutCancel(ctx), channelID, trigger)
	})
	select {
	case <-ctx.Done():
		return db.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return db.Credential{}, res.Err
		}
		return res.Val.(db.Credential), nil
	}
}

func (r *Refresher) doRefresh(ctx context.Context, channelID, trigger string) (cred db.Credential, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerOAuth, "oauth.refresh",
		attribute.String("channel_id", channelID), attribute.String("trigger", trigger))
	defer func() {
		telemetry.RecordError(span, err)
		telemetry.RecordRefresh(trigger, err)
		span.End()
	}()

	cred, err = r.Store.Get(ctx, channelID)
	if err != nil {
		return db.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if cred.RefreshToken == "" {
		return db.Credential{}, errors.New("no refresh token stored")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	tok, err := r.Platform.RefreshToken(callCtx, cred.RefreshToken)
	cancel()
	if err != nil {
		return db.Credential{}, fmt.Errorf("platform refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.RefreshToken
	}
	if err := r.Store.UpdateTokens(ctx, channelID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return db.Credential{}, fmt.Errorf("persist refreshed token: %w", err)
	}
	cred.AccessToken = tok.AccessToken
	cred.RefreshToken = tok.RefreshToken
	cred.ExpiresAt = tok.Expiry
	if r.Sink != nil {
		r.Sink.UpdateToken(channelID, Token(cred))
	}
	slog.Info("token refreshed", slog.String("channel_id", channelID), slog.String("trigger", trigger))
	return cred, nil
}
