package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/milkyway-bot/crypto"
)

// Encryption versions stored in auth_token.encryption_version.
const (
	EncryptionNone = 0
	EncryptionAES  = 1
)

// CredentialStore persists channel OAuth tokens in auth_token.
// When Cipher is set, tokens are sealed with the channel id as associated
// data and rows are marked encryption_version=1. Plaintext rows written
// before encryption was enabled remain readable.
type CredentialStore struct {
	DB     *sql.DB
	Cipher crypto.Cipher
}

// NewCredentialStore returns a store over database. cipher may be nil.
func NewCredentialStore(database *sql.DB, cipher crypto.Cipher) *CredentialStore {
	return &CredentialStore{DB: database, Cipher: cipher}
}

const credentialColumns = `channel_id, channel_name, access_token, refresh_token, expires_at, encryption_version`

// Get loads the credential for channelID or returns ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, channelID string) (Credential, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM auth_token WHERE channel_id = $1`, channelID)
	c, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential %s: %w", channelID, err)
	}
	return c, nil
}

// List returns every stored credential ordered by channel id. Rows that
// cannot be decrypted are left out and reported in an *UnreadableError.
func (s *CredentialStore) List(ctx context.Context) ([]Credential, error) {
	return s.query(ctx, `SELECT `+credentialColumns+` FROM auth_token ORDER BY channel_id`)
}

// ListExpiring returns credentials whose expiry falls before now+within.
// Unreadable rows are handled as in List.
func (s *CredentialStore) ListExpiring(ctx context.Context, within time.Duration) ([]Credential, error) {
	cutoff := time.Now().Add(within)
	return s.query(ctx,
		`SELECT `+credentialColumns+` FROM auth_token WHERE expires_at <= $1 ORDER BY expires_at`, cutoff)
}

// Upsert inserts or replaces the credential row for c.ChannelID.
func (s *CredentialStore) Upsert(ctx context.Context, c Credential) error {
	access, refresh, version, keyID, err := s.seal(c.ChannelID, c.AccessToken, c.RefreshToken)
	if err != nil {
		return err
	}
	q := `INSERT INTO auth_token(channel_id, channel_name, access_token, refresh_token, expires_at, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(channel_id) DO UPDATE SET
		    channel_name=EXCLUDED.channel_name,
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, c.ChannelID, c.ChannelName, access, refresh, c.ExpiresAt, version, keyID); err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.ChannelID, err)
	}
	return nil
}

// UpdateTokens replaces the token pair of an existing row. It returns
// ErrNotFound when the channel has no credential.
func (s *CredentialStore) UpdateTokens(ctx context.Context, channelID, access, refresh string, expiresAt time.Time) error {
	a, r, version, keyID, err := s.seal(channelID, access, refresh)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE auth_token SET access_token=$2, refresh_token=$3, expires_at=$4,
		   encryption_version=$5, encryption_key_id=$6, updated_at=NOW()
		 WHERE channel_id=$1`, channelID, a, r, expiresAt, version, keyID)
	if err != nil {
		return fmt.Errorf("update tokens %s: %w", channelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadableError lists rows a bulk read skipped because their tokens could
// not be decrypted. List and ListExpiring return it together with the
// readable rows.
type UnreadableError struct {
	Failed map[string]error
}

func (e *UnreadableError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%d unreadable credential(s): %s", len(ids), strings.Join(ids, ", "))
}

func (s *CredentialStore) query(ctx context.Context, q string, args ...any) ([]Credential, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var (
		out        []Credential
		unreadable map[string]error
	)
	for rows.Next() {
		c, version, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if err := s.open(&c, version); err != nil {
			if unreadable == nil {
				unreadable = map[string]error{}
			}
			unreadable[c.ChannelID] = err
			slog.Warn("skipping unreadable credential",
				slog.String("channel_id", c.ChannelID), slog.Any("err", err), slog.String("component", "db"))
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if unreadable != nil {
		return out, &UnreadableError{Failed: unreadable}
	}
	return out, nil
}

func scanRow(row rowScanner) (Credential, int, error) {
	var c Credential
	var version int
	err := row.Scan(&c.ChannelID, &c.ChannelName, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &version)
	return c, version, err
}

func (s *CredentialStore) scan(row rowScanner) (Credential, error) {
	c, version, err := scanRow(row)
	if err != nil {
		return Credential{}, err
	}
	if err := s.open(&c, version); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// open decrypts c in place when version marks it sealed.
func (s *CredentialStore) open(c *Credential, version int) error {
	if version != EncryptionAES {
		return nil
	}
	if s.Cipher == nil {
		return fmt.Errorf("credential %s is encrypted but ENCRYPTION_KEY not configured", c.ChannelID)
	}
	var err error
	if c.AccessToken, err = s.Cipher.Open(c.AccessToken, c.ChannelID); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	if c.RefreshToken, err = s.Cipher.Open(c.RefreshToken, c.ChannelID); err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	return nil
}

func (s *CredentialStore) seal(channelID, access, refresh string) (a, r string, version int, keyID sql.NullString, err error) {
	if s.Cipher == nil {
		return access, refresh, EncryptionNone, sql.NullString{}, nil
	}
	if a, err = s.Cipher.Seal(access, channelID); err != nil {
		return "", "", 0, keyID, fmt.Errorf("encrypt access token: %w", err)
	}
	if r, err = s.Cipher.Seal(refresh, channelID); err != nil {
		return "", "", 0, keyID, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, EncryptionAES, sql.NullString{String: s.Cipher.KeyID(), Valid: true}, nil
}
