// Package chzzk is a minimal client for the CHZZK open API and its
// socket.io chat event stream: session URL issuance, chat subscription,
// chat send, OAuth token grants and the user profile lookup.
package chzzk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Default endpoints.
const (
	DefaultOpenAPIBase = "https://openapi.chzzk.naver.com"
	DefaultAccountBase = "https://chzzk.naver.com"
)

// DefaultTokenLifetime applies when a token response omits expiresIn.
const DefaultTokenLifetime = 86400 * time.Second

// Client talks to the open API. The zero value is not usable; use NewClient.
type Client struct {
	BaseURL      string
	AccountBase  string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// NewClient returns a client with a finite HTTP timeout.
func NewClient(baseURL, accountBase, clientID, clientSecret string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultOpenAPIBase
	}
	if accountBase == "" {
		accountBase = DefaultAccountBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:      baseURL,
		AccountBase:  accountBase,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// envelope is the common {code, message, content} response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Content json.RawMessage `json:"content"`
}

// do sends req and decodes the envelope content into out (when non-nil).
// 401 maps to ErrUnauthorized; other non-2xx responses to *APIError.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("chzzk %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("chzzk %s: %w", op, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("chzzk %s: decode: %w", op, err)
	}
	if len(env.Content) == 0 || string(env.Content) == "null" {
		return fmt.Errorf("chzzk %s: empty content", op)
	}
	if err := json.Unmarshal(env.Content, out); err != nil {
		return fmt.Errorf("chzzk %s: decode content: %w", op, err)
	}
	return nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// IssueSessionURL asks for a socket URL using the application credentials.
func (c *Client) IssueSessionURL(ctx context.Context) (string, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return "", errors.New("missing client id/secret for chzzk session")
	}
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/open/v1/sessions/auth/client", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Client-Secret", c.ClientSecret)
	var content struct {
		URL string `json:"url"`
	}
	if err := c.do(req, "session url", &content); err != nil {
		return "", err
	}
	if content.URL == "" {
		return "", errors.New("empty url in chzzk session response")
	}
	return content.URL, nil
}

// Subscribe attaches the chat event stream to sessionKey.
func (c *Client) Subscribe(ctx context.Context, tok *oauth2.Token, sessionKey string) error {
	if sessionKey == "" {
		return errors.New("session key empty")
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost,
		"/open/v1/sessions/events/subscribe/chat?sessionKey="+url.QueryEscape(sessionKey), nil)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return c.do(req, "subscribe chat", nil)
}

// SendChat posts message to the channel that owns tok.
func (c *Client) SendChat(ctx context.Context, tok *oauth2.Token, message string) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/open/v1/chats/send", map[string]string{"message": message})
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return c.do(req, "send chat", nil)
}

// Me is the authorizing user's channel.
type Me struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
}

// GetMe resolves the channel that owns tok.
func (c *Client) GetMe(ctx context.Context, tok *oauth2.Token) (Me, error) {
	req, err := c.newJSONRequest(ctx, http.MethodGet, "/open/v1/users/me", nil)
	if err != nil {
		return Me{}, err
	}
	tok.SetAuthHeader(req)
	var me Me
	if err := c.do(req, "users me", &me); err != nil {
		return Me{}, err
	}
	if me.ChannelID == "" {
		return Me{}, errors.New("empty channelId in chzzk users/me response")
	}
	return me, nil
}

// AuthorizeURL builds the account-interlock URL a streamer visits to grant access.
func (c *Client) AuthorizeURL(redirectURI, state string) (string, error) {
	if c.ClientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("clientId", c.ClientID)
	v.Set("redirectUri", redirectURI)
	if state != "" {
		v.Set("state", state)
	}
	return c.AccountBase + "/account-interlock?" + v.Encode(), nil
}

// expiresIn accepts a JSON number or numeric string.
type expiresIn int64

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expiresIn %q: %w", s, err)
	}
	*e = expiresIn(n)
	return nil
}

type tokenContent struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    expiresIn `json:"expiresIn"`
}

func (tc tokenContent) token(now time.Time) *oauth2.Token {
	life := DefaultTokenLifetime
	if tc.ExpiresIn > 0 {
		life = time.Duration(tc.ExpiresIn) * time.Second
	}
	tt := tc.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  tc.AccessToken,
		RefreshToken: tc.RefreshToken,
		TokenType:    tt,
		Expiry:       now.Add(life),
	}
}

func (c *Client) tokenGrant(ctx context.Context, op string, body map[string]string) (*oauth2.Token, error) {
	body["clientId"] = c.ClientID
	body["clientSecret"] = c.ClientSecret
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/auth/v1/token", body)
	if err != nil {
		return nil, err
	}
	var tc tokenContent
	if err := c.do(req, op, &tc); err != nil {
		return nil, err
	}
	if tc.AccessToken == "" {
		return nil, fmt.Errorf("empty accessToken in chzzk %s response", op)
	}
	return tc.token(time.Now()), nil
}

// RefreshToken runs the refresh_token grant. The returned token's
// RefreshToken is empty when the platform did not rotate it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	return c.tokenGrant(ctx, "token refresh", map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	})
}

// ExchangeCode runs the authorization_code grant.
func (c *Client) ExchangeCode(ctx context.Context, code, state, redirectURI string) (*oauth2.Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	body := map[string]string{
		"grantType": "authorization_code",
		"code":      code,
		"state":     state,
	}
	if redirectURI != "" {
		body["redirectUri"] = redirectURI
	}
	return c.tokenGrant(ctx, "auth code exchange", body)
}
