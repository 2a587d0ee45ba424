// Package command turns chat lines into bot replies.
//
// A Pipeline resolves the channel's command prefix, answers greetings for
// un-prefixed lines, and otherwise looks the first word up as a channel
// command and then as a global command. Global commands are plain text,
// attendance check-ins, or administrative actions on the channel's own
// commands, greetings and prefix. Hot lookups go through the cache; misses
// fall back to the store and repopulate it.
package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/milkyway-bot/cache"
	"github.com/onnwee/milkyway-bot/db"
	"github.com/onnwee/milkyway-bot/telemetry"
)

// GreetingCooldown gates repeated replies to the same greeting keyword.
const GreetingCooldown = 10 * time.Second

// Store is the durable storage the pipeline reads and writes.
type Store interface {
	GetChannelConfig(ctx context.Context, channelID string) (db.ChannelConfig, error)
	UpdatePrefix(ctx context.Context, channelID, prefix string) error

	FindGlobalCommand(ctx context.Context, name string) (db.GlobalCommand, error)
	ListGlobalCommands(ctx context.Context) ([]db.GlobalCommand, error)

	GetChannelCommand(ctx context.Context, channelID, name string) (db.ChannelCommand, error)
	ListChannelCommands(ctx context.Context, channelID string) ([]db.ChannelCommand, error)
	CreateChannelCommand(ctx context.Context, c db.ChannelCommand) error
	UpdateChannelCommand(ctx context.Context, channelID, name, response string) error
	DeleteChannelCommand(ctx context.Context, channelID, name string) error

	ListGreetings(ctx context.Context, channelID string) ([]db.Greeting, error)
	CreateGreeting(ctx context.Context, g db.Greeting) error
	UpdateGreeting(ctx context.Context, channelID, keyword, response string) error
	DeleteGreeting(ctx context.Context, channelID, keyword string) error

	GetAttendance(ctx context.Context, channelID, userID string) (db.Attendance, error)
	SaveAttendance(ctx context.Context, a db.Attendance) error
}

// Cache is the hot-path key-value store. Errors other than cache.ErrMiss
// are treated as an unavailable cache.
type Cache interface {
	GetPrefix(ctx context.Context, channelID string) (string, error)
	SetPrefix(ctx context.Context, channelID, prefix string) error
	GetGreetings(ctx context.Context, channelID string) (map[string]string, error)
	SetGreetings(ctx context.Context, channelID string, greetings map[string]string) error
	InvalidateGreetings(ctx context.Context, channelID string) error
	AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Pipeline dispatches chat lines. Cache may be nil, in which case every
// lookup goes to the store and cooldowns are not enforced.
type Pipeline struct {
	Store           Store
	Cache           Cache
	DefaultLanguage string
	// Now is the clock used for attendance; nil means time.Now.
	Now func() time.Time
}

// NewPipeline returns a pipeline over store and cache.
func NewPipeline(store Store, c Cache, defaultLanguage string) *Pipeline {
	return &Pipeline{Store: store, Cache: c, DefaultLanguage: defaultLanguage}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Handle processes one chat line and sends at most the replies it produces.
func (p *Pipeline) Handle(ctx context.Context, msg Message, reply Sender) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerCommand, "command.handle",
		attribute.String("channel_id", msg.ChannelID))
	defer span.End()
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		p.handle(ctx, msg, reply)
	})
}

func (p *Pipeline) handle(ctx context.Context, msg Message, reply Sender) {
	line := strings.TrimSpace(msg.Text)
	if line == "" {
		return
	}
	prefix := p.prefix(ctx, msg.ChannelID)
	if !strings.HasPrefix(line, prefix) {
		p.greet(ctx, msg, line, reply)
		return
	}
	body := strings.TrimSpace(line[len(prefix):])
	if body == "" {
		return
	}
	name, rest := splitFirst(body)

	r := &run{p: p, msg: msg, reply: reply, prefix: prefix, invoked: name}
	target, handled := r.channelCommand(ctx, name)
	if handled {
		return
	}
	if target != "" {
		name = target
	}
	r.globalCommand(ctx, name, rest)
}

// run carries one dispatch's context through the command steps.
type run struct {
	p       *Pipeline
	msg     Message
	reply   Sender
	prefix  string
	invoked string
	lang    string
}

func (r *run) log() *slog.Logger {
	return slog.With(slog.String("component", "command"), slog.String("channel_id", r.msg.ChannelID))
}

func (r *run) language(ctx context.Context) string {
	if r.lang == "" {
		r.lang = r.p.language(ctx, r.msg.ChannelID)
	}
	return r.lang
}

// say renders a message-table entry in the channel's language and sends it.
func (r *run) say(ctx context.Context, key msgKey, vars map[string]string) {
	r.send(ctx, render(text(r.language(ctx), key), vars))
}

func (r *run) send(ctx context.Context, s string) {
	if s == "" {
		return
	}
	if err := r.reply.Send(ctx, s); err != nil {
		r.log().Warn("reply failed", slog.Any("err", err))
	}
}

// channelCommand runs step 5. handled is true when the line was answered or
// dropped by a cooldown; target is the global name a global-alias points at.
func (r *run) channelCommand(ctx context.Context, name string) (target string, handled bool) {
	cc, err := r.p.Store.GetChannelCommand(ctx, r.msg.ChannelID, name)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.log().Warn("channel command lookup failed", slog.String("command", name), slog.Any("err", err))
		}
		return "", false
	}
	if !cc.IsActive {
		return "", false
	}
	if cc.Kind == db.KindGlobalAlias {
		return cc.Response, false
	}
	if !r.p.cooldown(ctx, cache.CooldownKey(r.msg.ChannelID, "cmd", cc.Command), cc.CooldownSeconds) {
		return "", true
	}
	telemetry.RecordDispatch(string(db.KindText))
	r.send(ctx, render(cc.Response, r.userVars(nil)))
	return "", true
}

// globalCommand runs steps 6 and 7.
func (r *run) globalCommand(ctx context.Context, name, rest string) {
	g, err := r.p.Store.FindGlobalCommand(ctx, name)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.log().Warn("global command lookup failed", slog.String("command", name), slog.Any("err", err))
		}
		return
	}
	if !g.IsActive {
		return
	}
	if g.Kind == db.KindSystem && gated(g.Response) && !r.msg.Elevated() {
		return
	}
	if !r.p.cooldown(ctx, cache.CooldownKey(r.msg.ChannelID, "global", g.Command), g.CooldownSeconds) {
		return
	}
	telemetry.RecordDispatch(string(g.Kind))
	switch g.Kind {
	case db.KindText:
		r.send(ctx, render(g.Response, r.userVars(nil)))
	case db.KindAttendance:
		r.attendance(ctx, g)
	case db.KindSystem:
		r.system(ctx, g.Response, rest)
	default:
		r.log().Warn("unknown global command kind", slog.String("kind", string(g.Kind)))
	}
}

func (r *run) attendance(ctx context.Context, g db.GlobalCommand) {
	rec, outcome, err := r.p.checkIn(ctx, r.msg)
	if err != nil {
		r.log().Warn("attendance failed", slog.Any("err", err))
		r.say(ctx, msgStoreError, nil)
		return
	}
	vars := r.userVars(&rec)
	if outcome == AttendanceAlready {
		r.say(ctx, msgAttendanceAlready, vars)
		return
	}
	tmpl := g.Response
	if tmpl == "" {
		tmpl = text(r.language(ctx), msgAttendanceDone)
	}
	r.send(ctx, render(tmpl, vars))
}

func (r *run) userVars(a *db.Attendance) map[string]string {
	vars := map[string]string{"nickname": r.msg.UserName}
	if a != nil {
		vars["streak"] = itoa(a.StreakCount)
		vars["total"] = itoa(a.AttendanceCount)
	}
	return vars
}

// greet runs step 2 for un-prefixed lines.
func (p *Pipeline) greet(ctx context.Context, msg Message, line string, reply Sender) {
	set := p.greetings(ctx, msg.ChannelID)
	if len(set) == 0 {
		return
	}
	keyword, ok := matchGreeting(line, set)
	if !ok {
		return
	}
	r := &run{p: p, msg: msg, reply: reply}
	var rec *db.Attendance
	if msg.UserID != "" {
		a, _, err := p.checkIn(ctx, msg)
		if err != nil {
			r.log().Warn("greeting attendance failed", slog.Any("err", err))
		} else {
			rec = &a
		}
	}
	if !p.cooldown(ctx, cache.CooldownKey(msg.ChannelID, "greet", keyword), int(GreetingCooldown/time.Second)) {
		return
	}
	telemetry.RecordDispatch("greeting")
	r.send(ctx, render(set[keyword], r.userVars(rec)))
}

// checkIn applies the attendance transition for the sender.
func (p *Pipeline) checkIn(ctx context.Context, msg Message) (db.Attendance, AttendanceOutcome, error) {
	prev, err := p.Store.GetAttendance(ctx, msg.ChannelID, msg.UserID)
	exists := true
	if errors.Is(err, db.ErrNotFound) {
		exists = false
	} else if err != nil {
		return db.Attendance{}, 0, err
	}
	var prevPtr *db.Attendance
	if exists {
		prevPtr = &prev
	}
	next, outcome := NextAttendance(prevPtr, msg.ChannelID, msg.UserID, msg.UserName, p.now())
	if outcome == AttendanceAlready {
		return next, outcome, nil
	}
	if err := p.Store.SaveAttendance(ctx, next); err != nil {
		return db.Attendance{}, 0, err
	}
	return next, outcome, nil
}

// prefix resolves the channel prefix: cache, then store, then the default.
func (p *Pipeline) prefix(ctx context.Context, channelID string) string {
	if p.Cache != nil {
		v, err := p.Cache.GetPrefix(ctx, channelID)
		if err == nil && v != "" {
			return v
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			telemetry.IncCacheError()
			slog.Warn("prefix cache read failed", slog.String("channel_id", channelID), slog.Any("err", err))
		}
	}
	cfg, err := p.Store.GetChannelConfig(ctx, channelID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Warn("prefix store read failed", slog.String("channel_id", channelID), slog.Any("err", err))
		}
		return db.DefaultPrefix
	}
	if cfg.CommandPrefix == "" {
		return db.DefaultPrefix
	}
	if p.Cache != nil {
		if err := p.Cache.SetPrefix(ctx, channelID, cfg.CommandPrefix); err != nil {
			telemetry.IncCacheError()
		}
	}
	return cfg.CommandPrefix
}

func (p *Pipeline) language(ctx context.Context, channelID string) string {
	cfg, err := p.Store.GetChannelConfig(ctx, channelID)
	if err == nil && cfg.Language != "" {
		return cfg.Language
	}
	if p.DefaultLanguage != "" {
		return p.DefaultLanguage
	}
	return "ko"
}

// greetings returns the keyword set: cache, then store (repopulating the cache).
func (p *Pipeline) greetings(ctx context.Context, channelID string) map[string]string {
	if p.Cache != nil {
		m, err := p.Cache.GetGreetings(ctx, channelID)
		if err == nil {
			return m
		}
		if !errors.Is(err, cache.ErrMiss) {
			telemetry.IncCacheError()
			slog.Warn("greeting cache read failed", slog.String("channel_id", channelID), slog.Any("err", err))
		}
	}
	list, err := p.Store.ListGreetings(ctx, channelID)
	if err != nil {
		slog.Warn("greeting store read failed", slog.String("channel_id", channelID), slog.Any("err", err))
		return nil
	}
	m := make(map[string]string, len(list))
	for _, g := range list {
		m[g.Keyword] = g.Response
	}
	if p.Cache != nil {
		if err := p.Cache.SetGreetings(ctx, channelID, m); err != nil {
			telemetry.IncCacheError()
		}
	}
	return m
}

func (p *Pipeline) invalidateGreetings(ctx context.Context, channelID string) {
	if p.Cache == nil {
		return
	}
	if err := p.Cache.InvalidateGreetings(ctx, channelID); err != nil {
		telemetry.IncCacheError()
		slog.Warn("greeting cache invalidate failed", slog.String("channel_id", channelID), slog.Any("err", err))
	}
}

// cooldown reports whether the command may run now and starts its window.
// A cache failure lets the command through.
func (p *Pipeline) cooldown(ctx context.Context, key string, seconds int) bool {
	if seconds <= 0 || p.Cache == nil {
		return true
	}
	ok, err := p.Cache.AcquireCooldown(ctx, key, time.Duration(seconds)*time.Second)
	if err != nil {
		telemetry.IncCacheError()
		slog.Warn("cooldown check failed", slog.String("key", key), slog.Any("err", err))
		return true
	}
	return ok
}
