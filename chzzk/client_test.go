package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "https://account.example", "cid", "csecret", 2*time.Second)
}

func TestIssueSessionURLSendsAppCredentials(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/open/v1/sessions/auth/client" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Client-Id") != "cid" || r.Header.Get("Client-Secret") != "csecret" {
			t.Errorf("missing app credential headers")
		}
		_, _ = w.Write([]byte(`{"code":200,"content":{"url":"https://ssio.example:443?auth=abc"}}`))
	}))
	u, err := c.IssueSessionURL(context.Background())
	if err != nil {
		t.Fatalf("IssueSessionURL: %v", err)
	}
	if u != "https://ssio.example:443?auth=abc" {
		t.Errorf("url = %q", u)
	}
}

func TestSendChatUnauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stale" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	err := c.SendChat(context.Background(), &oauth2.Token{AccessToken: "stale", TokenType: "Bearer"}, "hi")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if Classify(err) != ErrorClassUnauthorized {
		t.Errorf("Classify = %s", Classify(err))
	}
}

func TestSendChatBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["message"] != "안녕하세요" {
			t.Errorf("message = %q", body["message"])
		}
		_, _ = w.Write([]byte(`{"code":200,"content":{"messageId":"m1"}}`))
	}))
	if err := c.SendChat(context.Background(), &oauth2.Token{AccessToken: "t"}, "안녕하세요"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
}

func TestSubscribeAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionKey") != "sk" {
			t.Errorf("sessionKey = %q", r.URL.Query().Get("sessionKey"))
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	err := c.Subscribe(context.Background(), &oauth2.Token{AccessToken: "t"}, "sk")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want APIError 502", err)
	}
	if !IsRetryable(err) {
		t.Errorf("502 should be retryable")
	}
}

func TestRefreshTokenExpiresIn(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    time.Duration
	}{
		{"string", `{"accessToken":"a","refreshToken":"r","expiresIn":"3600"}`, time.Hour},
		{"number", `{"accessToken":"a","refreshToken":"r","expiresIn":7200}`, 2 * time.Hour},
		{"absent", `{"accessToken":"a","refreshToken":"r"}`, DefaultTokenLifetime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["grantType"] != "refresh_token" || body["refreshToken"] != "old" || body["clientId"] != "cid" {
					t.Errorf("body = %v", body)
				}
				_, _ = w.Write([]byte(`{"code":200,"content":` + tt.content + `}`))
			}))
			before := time.Now()
			tok, err := c.RefreshToken(context.Background(), "old")
			if err != nil {
				t.Fatalf("RefreshToken: %v", err)
			}
			life := tok.Expiry.Sub(before)
			if life < tt.want-time.Second || life > tt.want+time.Second {
				t.Errorf("lifetime = %v, want ~%v", life, tt.want)
			}
			if tok.AccessToken != "a" || tok.RefreshToken != "r" {
				t.Errorf("token = %+v", tok)
			}
		})
	}
}

func TestRefreshTokenRequiresInput(t *testing.T) {
	c := NewClient("", "", "cid", "secret", 0)
	if _, err := c.RefreshToken(context.Background(), ""); err == nil {
		t.Errorf("expected error for empty refresh token")
	}
}

func TestGetMe(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"content":{"channelId":"ch1","channelName":"은하수"}}`))
	}))
	me, err := c.GetMe(context.Background(), &oauth2.Token{AccessToken: "t"})
	if err != nil || me.ChannelID != "ch1" || me.ChannelName != "은하수" {
		t.Errorf("GetMe = %+v, %v", me, err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	c := NewClient("", "https://chzzk.naver.com", "cid", "s", 0)
	u, err := c.AuthorizeURL("http://localhost/cb", "st")
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range []string{"/account-interlock?", "clientId=cid", "state=st", "redirectUri=http%3A%2F%2Flocalhost%2Fcb"} {
		if !strings.Contains(u, part) {
			t.Errorf("url %q missing %q", u, part)
		}
	}
	if _, err := NewClient("", "", "", "", 0).AuthorizeURL("x", "y"); err == nil {
		t.Errorf("expected error without client id")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{&APIError{Status: 400}, ErrorClassFatal},
		{&APIError{Status: 429}, ErrorClassRetryable},
		{&APIError{Status: 503}, ErrorClassRetryable},
		{context.Canceled, ErrorClassFatal},
		{context.DeadlineExceeded, ErrorClassRetryable},
		{errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{fmt.Errorf("send: %w", errors.New("unexpected EOF")), ErrorClassRetryable},
		{errors.New("decode content: invalid character"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
