package db

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("db: not found")

// DefaultPrefix is used when a channel has no stored configuration.
const DefaultPrefix = "!"

// CommandKind discriminates how a command is answered.
type CommandKind string

const (
	KindText        CommandKind = "text"
	KindSystem      CommandKind = "system"
	KindAttendance  CommandKind = "attendance"
	KindGlobalAlias CommandKind = "global-alias"
)

// Credential is one channel's OAuth token pair.
type Credential struct {
	ChannelID    string
	ChannelName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ChannelConfig holds per-channel bot settings.
type ChannelConfig struct {
	ChannelID     string
	CommandPrefix string
	Language      string
	IsActive      bool
}

// GlobalCommand is a catalog entry shared by every channel. Command may hold
// several aliases joined by "|".
type GlobalCommand struct {
	ID              int64
	Command         string
	Response        string
	Kind            CommandKind
	CooldownSeconds int
	IsActive        bool
	DisplayOrder    int
	Description     string
}

// Aliases splits Command into its trimmed, non-empty names.
func (g GlobalCommand) Aliases() []string {
	var out []string
	for _, a := range strings.Split(g.Command, "|") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Matches reports whether name equals any alias.
func (g GlobalCommand) Matches(name string) bool {
	for _, a := range g.Aliases() {
		if a == name {
			return true
		}
	}
	return false
}

// ChannelCommand is a per-channel custom command. For KindGlobalAlias the
// Response holds the name of the global command it redirects to.
type ChannelCommand struct {
	ID              int64
	ChannelID       string
	Command         string
	Response        string
	Kind            CommandKind
	CooldownSeconds int
	IsActive        bool
}

// Greeting is a keyword-triggered reply that needs no prefix.
type Greeting struct {
	ID        int64
	ChannelID string
	Keyword   string
	Response  string
}

// Attendance is a viewer's check-in record for one channel.
type Attendance struct {
	ChannelID        string
	UserID           string
	UserName         string
	AttendanceCount  int
	StreakCount      int
	LastAttendanceAt time.Time
}
