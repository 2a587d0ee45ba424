package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when a create hits an existing unique key.
var ErrConflict = errors.New("db: already exists")

// ChatStore reads and writes channel settings, commands, greetings and attendance.
type ChatStore struct {
	DB *sql.DB
}

// NewChatStore returns a ChatStore over database.
func NewChatStore(database *sql.DB) *ChatStore { return &ChatStore{DB: database} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFoundIfNone(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- channel config ---

// GetChannelConfig returns the channel's settings or ErrNotFound.
func (s *ChatStore) GetChannelConfig(ctx context.Context, channelID string) (ChannelConfig, error) {
	var c ChannelConfig
	err := s.DB.QueryRowContext(ctx,
		`SELECT channel_id, command_prefix, language, is_active FROM channel_config WHERE channel_id = $1`,
		channelID).Scan(&c.ChannelID, &c.CommandPrefix, &c.Language, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelConfig{}, ErrNotFound
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("get channel config %s: %w", channelID, err)
	}
	return c, nil
}

// EnsureChannelConfig creates the default row for a channel if none exists.
// Existing settings are left untouched.
func (s *ChatStore) EnsureChannelConfig(ctx context.Context, channelID, language string) error {
	if language == "" {
		language = "ko"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channel_config(channel_id, command_prefix, language, is_active)
		 VALUES($1,$2,$3,TRUE) ON CONFLICT(channel_id) DO NOTHING`,
		channelID, DefaultPrefix, language)
	if err != nil {
		return fmt.Errorf("ensure channel config %s: %w", channelID, err)
	}
	return nil
}

// UpdatePrefix changes only command_prefix. Language and is_active keep
// their stored values; a missing row is created with defaults.
func (s *ChatStore) UpdatePrefix(ctx context.Context, channelID, prefix string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channel_config(channel_id, command_prefix) VALUES($1,$2)
		 ON CONFLICT(channel_id) DO UPDATE SET command_prefix=EXCLUDED.command_prefix, updated_at=NOW()`,
		channelID, prefix)
	if err != nil {
		return fmt.Errorf("update prefix %s: %w", channelID, err)
	}
	return nil
}

// --- global commands ---

const globalColumns = `id, command, response, type, cooldown_seconds, is_active, display_order, description`

func scanGlobal(row rowScanner) (GlobalCommand, error) {
	var g GlobalCommand
	var kind string
	err := row.Scan(&g.ID, &g.Command, &g.Response, &kind, &g.CooldownSeconds, &g.IsActive, &g.DisplayOrder, &g.Description)
	g.Kind = CommandKind(kind)
	return g, err
}

// FindGlobalCommand returns the global command having name among its aliases.
func (s *ChatStore) FindGlobalCommand(ctx context.Context, name string) (GlobalCommand, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+globalColumns+` FROM global_chat_commands
		 WHERE $1 = ANY(string_to_array(command, '|'))
		 ORDER BY display_order LIMIT 1`, name)
	g, err := scanGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GlobalCommand{}, ErrNotFound
	}
	if err != nil {
		return GlobalCommand{}, fmt.Errorf("find global command %q: %w", name, err)
	}
	return g, nil
}

// ListGlobalCommands returns the active catalog in display order.
func (s *ChatStore) ListGlobalCommands(ctx context.Context) ([]GlobalCommand, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+globalColumns+` FROM global_chat_commands WHERE is_active ORDER BY display_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list global commands: %w", err)
	}
	defer rows.Close()
	var out []GlobalCommand
	for rows.Next() {
		g, err := scanGlobal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- channel commands ---

const channelCommandColumns = `id, channel_id, command, response, type, cooldown_seconds, is_active`

func scanChannelCommand(row rowScanner) (ChannelCommand, error) {
	var c ChannelCommand
	var kind string
	err := row.Scan(&c.ID, &c.ChannelID, &c.Command, &c.Response, &kind, &c.CooldownSeconds, &c.IsActive)
	c.Kind = CommandKind(kind)
	return c, err
}

// GetChannelCommand returns the channel's command with the exact name.
func (s *ChatStore) GetChannelCommand(ctx context.Context, channelID, name string) (ChannelCommand, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+channelCommandColumns+` FROM chat_commands WHERE channel_id = $1 AND command = $2`,
		channelID, name)
	c, err := scanChannelCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelCommand{}, ErrNotFound
	}
	if err != nil {
		return ChannelCommand{}, fmt.Errorf("get channel command %q: %w", name, err)
	}
	return c, nil
}

// ListChannelCommands returns every command of a channel ordered by name.
func (s *ChatStore) ListChannelCommands(ctx context.Context, channelID string) ([]ChannelCommand, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+channelCommandColumns+` FROM chat_commands WHERE channel_id = $1 ORDER BY command`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel commands: %w", err)
	}
	defer rows.Close()
	var out []ChannelCommand
	for rows.Next() {
		c, err := scanChannelCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateChannelCommand inserts a new command; ErrConflict if the name is taken.
func (s *ChatStore) CreateChannelCommand(ctx context.Context, c ChannelCommand) error {
	if c.Kind == "" {
		c.Kind = KindText
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_commands(channel_id, command, response, type, cooldown_seconds, is_active)
		 VALUES($1,$2,$3,$4,$5,TRUE)`,
		c.ChannelID, c.Command, c.Response, string(c.Kind), c.CooldownSeconds)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create channel command %q: %w", c.Command, err)
	}
	return nil
}

// UpdateChannelCommand replaces the response of an existing text command.
func (s *ChatStore) UpdateChannelCommand(ctx context.Context, channelID, name, response string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE chat_commands SET response=$3, type='text', updated_at=NOW()
		 WHERE channel_id=$1 AND command=$2`, channelID, name, response)
	if err != nil {
		return fmt.Errorf("update channel command %q: %w", name, err)
	}
	return notFoundIfNone(res)
}

// DeleteChannelCommand removes a command by name.
func (s *ChatStore) DeleteChannelCommand(ctx context.Context, channelID, name string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chat_commands WHERE channel_id=$1 AND command=$2`, channelID, name)
	if err != nil {
		return fmt.Errorf("delete channel command %q: %w", name, err)
	}
	return notFoundIfNone(res)
}

// --- greetings ---

// ListGreetings returns the channel's greetings ordered by keyword.
func (s *ChatStore) ListGreetings(ctx context.Context, channelID string) ([]Greeting, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, channel_id, keyword, response FROM chat_greetings WHERE channel_id = $1 ORDER BY keyword`,
		channelID)
	if err != nil {
		return nil, fmt.Errorf("list greetings: %w", err)
	}
	defer rows.Close()
	var out []Greeting
	for rows.Next() {
		var g Greeting
		if err := rows.Scan(&g.ID, &g.ChannelID, &g.Keyword, &g.Response); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreateGreeting inserts a keyword; ErrConflict if it already exists.
func (s *ChatStore) CreateGreeting(ctx context.Context, g Greeting) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_greetings(channel_id, keyword, response) VALUES($1,$2,$3)`,
		g.ChannelID, g.Keyword, g.Response)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create greeting %q: %w", g.Keyword, err)
	}
	return nil
}

// UpdateGreeting replaces the response of an existing keyword.
func (s *ChatStore) UpdateGreeting(ctx context.Context, channelID, keyword, response string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE chat_greetings SET response=$3 WHERE channel_id=$1 AND keyword=$2`,
		channelID, keyword, response)
	if err != nil {
		return fmt.Errorf("update greeting %q: %w", keyword, err)
	}
	return notFoundIfNone(res)
}

// DeleteGreeting removes a keyword.
func (s *ChatStore) DeleteGreeting(ctx context.Context, channelID, keyword string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chat_greetings WHERE channel_id=$1 AND keyword=$2`, channelID, keyword)
	if err != nil {
		return fmt.Errorf("delete greeting %q: %w", keyword, err)
	}
	return notFoundIfNone(res)
}

// --- attendance ---

// GetAttendance returns a viewer's record or ErrNotFound.
func (s *ChatStore) GetAttendance(ctx context.Context, channelID, userID string) (Attendance, error) {
	var a Attendance
	err := s.DB.QueryRowContext(ctx,
		`SELECT channel_id, user_id, user_name, attendance_count, streak_count, last_attendance_at
		 FROM attendance WHERE channel_id=$1 AND user_id=$2`, channelID, userID).
		Scan(&a.ChannelID, &a.UserID, &a.UserName, &a.AttendanceCount, &a.StreakCount, &a.LastAttendanceAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Attendance{}, ErrNotFound
	}
	if err != nil {
		return Attendance{}, fmt.Errorf("get attendance: %w", err)
	}
	return a, nil
}

// SaveAttendance writes a record, replacing any previous one.
func (s *ChatStore) SaveAttendance(ctx context.Context, a Attendance) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO attendance(channel_id, user_id, user_name, attendance_count, streak_count, last_attendance_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(channel_id, user_id) DO UPDATE SET
		   user_name=EXCLUDED.user_name,
		   attendance_count=EXCLUDED.attendance_count,
		   streak_count=EXCLUDED.streak_count,
		   last_attendance_at=EXCLUDED.last_attendance_at`,
		a.ChannelID, a.UserID, a.UserName, a.AttendanceCount, a.StreakCount, a.LastAttendanceAt)
	if err != nil {
		return fmt.Errorf("save attendance: %w", err)
	}
	return nil
}
