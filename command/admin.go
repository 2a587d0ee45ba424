package command

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/onnwee/milkyway-bot/db"
)

// System actions, stored in the response column of system global commands.
const (
	ActionListGlobal     = "list_global"
	ActionListCommands   = "list_commands"
	ActionAddCommand     = "add_command"
	ActionEditCommand    = "edit_command"
	ActionDeleteCommand  = "delete_command"
	ActionAliasCommand   = "alias_command"
	ActionSetPrefix      = "set_prefix"
	ActionAddGreeting    = "add_greeting"
	ActionEditGreeting   = "edit_greeting"
	ActionDeleteGreeting = "delete_greeting"
	ActionListGreetings  = "list_greetings"
)

// DefaultCommandCooldown applies to channel commands created from chat.
const DefaultCommandCooldown = 5

// gated reports whether action changes channel state and so needs an
// elevated role.
func gated(action string) bool {
	switch action {
	case ActionListGlobal, ActionListCommands, ActionListGreetings:
		return false
	}
	return true
}

func (r *run) system(ctx context.Context, action, rest string) {
	switch action {
	case ActionListGlobal:
		r.listGlobal(ctx)
	case ActionListCommands:
		r.listCommands(ctx)
	case ActionAddCommand:
		r.addCommand(ctx, rest)
	case ActionEditCommand:
		r.editCommand(ctx, rest)
	case ActionDeleteCommand:
		r.deleteCommand(ctx, rest)
	case ActionAliasCommand:
		r.aliasCommand(ctx, rest)
	case ActionSetPrefix:
		r.setPrefix(ctx, rest)
	case ActionAddGreeting:
		r.addGreeting(ctx, rest)
	case ActionEditGreeting:
		r.editGreeting(ctx, rest)
	case ActionDeleteGreeting:
		r.deleteGreeting(ctx, rest)
	case ActionListGreetings:
		r.listGreetings(ctx)
	default:
		r.log().Warn("unknown system action", slog.String("action", action))
	}
}

func (r *run) usage(ctx context.Context, key msgKey) {
	r.say(ctx, key, map[string]string{
		"prefix":  r.prefix,
		"command": r.invoked,
		"allowed": strings.Join(strings.Split(AllowedPrefixes, ""), " "),
	})
}

// names parses a name list, stripping a leading channel prefix from each.
func (r *run) names(rest string) ([]string, string) {
	names, body := ParseNames(rest)
	out := names[:0]
	for _, n := range names {
		if r.prefix != "" {
			n = strings.TrimPrefix(n, r.prefix)
		}
		if n != "" {
			out = append(out, n)
		}
	}
	return out, body
}

// report sends one reply summarising a batch: names that succeeded, names
// that hit the expected failure, and a store error if any write failed.
func (r *run) report(ctx context.Context, okKey msgKey, ok []string, missKey msgKey, miss []string, failed bool) {
	lang := r.language(ctx)
	var parts []string
	if len(ok) > 0 {
		parts = append(parts, render(text(lang, okKey), map[string]string{"names": strings.Join(ok, ", ")}))
	}
	if len(miss) > 0 {
		parts = append(parts, render(text(lang, missKey), map[string]string{"names": strings.Join(miss, ", ")}))
	}
	if failed {
		parts = append(parts, text(lang, msgStoreError))
	}
	r.send(ctx, strings.Join(parts, " "))
}

func (r *run) listGlobal(ctx context.Context) {
	list, err := r.p.Store.ListGlobalCommands(ctx)
	if err != nil {
		r.log().Warn("list global commands failed", slog.Any("err", err))
		r.say(ctx, msgStoreError, nil)
		return
	}
	var names []string
	for _, g := range list {
		if aliases := g.Aliases(); len(aliases) > 0 {
			names = append(names, r.prefix+aliases[0])
		}
	}
	r.say(ctx, msgGlobalList, map[string]string{"list": strings.Join(names, ", ")})
}

func (r *run) listCommands(ctx context.Context) {
	list, err := r.p.Store.ListChannelCommands(ctx, r.msg.ChannelID)
	if err != nil {
		r.log().Warn("list channel commands failed", slog.Any("err", err))
		r.say(ctx, msgStoreError, nil)
		return
	}
	var names []string
	for _, c := range list {
		if c.IsActive {
			names = append(names, r.prefix+c.Command)
		}
	}
	if len(names) == 0 {
		r.say(ctx, msgCommandListEmpty, nil)
		return
	}
	r.say(ctx, msgCommandList, map[string]string{"list": strings.Join(names, ", ")})
}

func (r *run) addCommand(ctx context.Context, rest string) {
	names, body := r.names(rest)
	if len(names) == 0 || body == "" {
		r.usage(ctx, msgUsageCommand)
		return
	}
	if hasEmoticon(body) || hasEmoticon(names...) {
		r.say(ctx, msgEmoticon, nil)
		return
	}
	var added, exists []string
	failed := false
	for _, n := range names {
		err := r.p.Store.CreateChannelCommand(ctx, db.ChannelCommand{
			ChannelID:       r.msg.ChannelID,
			Command:         n,
			Response:        body,
			Kind:            db.KindText,
			CooldownSeconds: DefaultCommandCooldown,
		})
		switch {
		case err == nil:
			added = append(added, n)
		case errors.Is(err, db.ErrConflict):
			exists = append(exists, n)
		default:
			r.log().Error("create channel command failed", slog.String("command", n), slog.Any("err", err))
			failed = true
		}
	}
	r.report(ctx, msgCommandAdded, added, msgCommandExists, exists, failed)
}

func (r *run) editCommand(ctx context.Context, rest string) {
	names, body := r.names(rest)
	if len(names) == 0 || body == "" {
		r.usage(ctx, msgUsageCommand)
		return
	}
	if hasEmoticon(body) || hasEmoticon(names...) {
		r.say(ctx, msgEmoticon, nil)
		return
	}
	var updated, missing []string
	failed := false
	for _, n := range names {
		err := r.p.Store.UpdateChannelCommand(ctx, r.msg.ChannelID, n, body)
		switch {
		case err == nil:
			updated = append(updated, n)
		case errors.Is(err, db.ErrNotFound):
			missing = append(missing, n)
		default:
			r.log().Error("update channel command failed", slog.String("command", n), slog.Any("err", err))
			failed = true
		}
	}
	r.report(ctx, msgCommandUpdated, updated, msgCommandMissing, missing, failed)
}

func (r *run) deleteCommand(ctx context.Context, rest string) {
	names, _ := r.names(rest)
	if len(names) == 0 {
		r.usage(ctx, msgUsageCommandNames)
		return
	}
	var deleted, missing []string
	failed := false
	for _, n := range names {
		err := r.p.Store.DeleteChannelCommand(ctx, r.msg.ChannelID, n)
		switch {
		case err == nil:
			deleted = append(deleted, n)
		case errors.Is(err, db.ErrNotFound):
			missing = append(missing, n)
		default:
			r.log().Error("delete channel command failed", slog.String("command", n), slog.Any("err", err))
			failed = true
		}
	}
	r.report(ctx, msgCommandDeleted, deleted, msgCommandMissing, missing, failed)
}

// aliasCommand links channel names to a global command. The stored target
// is the global command's first alias.
func (r *run) aliasCommand(ctx context.Context, rest string) {
	names, body := r.names(rest)
	target, _ := splitFirst(body)
	if r.prefix != "" {
		target = strings.TrimPrefix(target, r.prefix)
	}
	if len(names) == 0 || target == "" {
		r.usage(ctx, msgUsageAlias)
		return
	}
	if hasEmoticon(target) || hasEmoticon(names...) {
		r.say(ctx, msgEmoticon, nil)
		return
	}
	g, err := r.p.Store.FindGlobalCommand(ctx, target)
	if errors.Is(err, db.ErrNotFound) {
		r.say(ctx, msgAliasTargetMissing, map[string]string{"target": target})
		return
	}
	if err != nil {
		r.log().Error("find alias target failed", slog.String("target", target), slog.Any("err", err))
		r.say(ctx, msgStoreError, nil)
		return
	}
	canonical := g.Aliases()[0]
	var linked, exists []string
	failed := false
	for _, n := range names {
		err := r.p.Store.CreateChannelCommand(ctx, db.ChannelCommand{
			ChannelID: r.msg.ChannelID,
			Command:   n,
			Response:  canonical,
			Kind:      db.KindGlobalAlias,
		})
		switch {
		case err == nil:
			linked = append(linked, n)
		case errors.Is(err, db.ErrConflict):
			exists = append(exists, n)
		default:
			r.log().Error("create alias failed", slog.String("command", n), slog.Any("err", err))
			failed = true
		}
	}
	lang := r.language(ctx)
	var parts []string
	if len(linked) > 0 {
		parts = append(parts, render(text(lang, msgAliasAdded), map[string]string{
			"names":  strings.Join(linked, ", "),
			"target": canonical,
		}))
	}
	if len(exists) > 0 {
		parts = append(parts, render(text(lang, msgCommandExists), map[string]string{"names": strings.Join(exists, ", ")}))
	}
	if failed {
		parts = append(parts, text(lang, msgStoreError))
	}
	r.send(ctx, strings.Join(parts, " "))
}

func (r *run) setPrefix(ctx context.Context, rest string) {
	value, _ := splitFirst(rest)
	if !ValidPrefix(value) {
		r.usage(ctx, msgUsagePrefix)
		return
	}
	if err := r.p.Store.UpdatePrefix(ctx, r.msg.ChannelID, value); err != nil {
		r.log().Error("update prefix failed", slog.Any("err", err))
		r.say(ctx, msgStoreError, nil)
		return
	}
	if r.p.Cache != nil {
		if err := r.p.Cache.SetPrefix(ctx, r.msg.ChannelID, value); err != nil {
			r.log().Warn("prefix cache write failed", slog.Any("err", err))
		}
	}
	r.prefix = value
	r.say(ctx, msgPrefixChanged, map[string]string{"value": value})
}

func (r *run) addGreeting(ctx context.Context, rest string) {
	keywords, body := ParseNames(rest)
	if len(keywords) == 0 || body == "" {
		r.usage(ctx, msgUsageGreeting)
		return
	}
	if hasEmoticon(body) || hasEmoticon(keywords...) {
		r.say(ctx, msgEmoticon, nil)
		return
	}
	var added, exists []string
	failed := false
	for _, k := range keywords {
		err := r.p.Store.CreateGreeting(ctx, db.Greeting{ChannelID: r.msg.ChannelID, Keyword: k, Response: body})
		switch {
		case err == nil:
			added = append(added, k)
		case errors.Is(err, db.ErrConflict):
			exists = append(exists, k)
		default:
			r.log().Error("create greeting failed", slog.String("keyword", k), slog.Any("err", err))
			failed = true
		}
	}
	if len(added) > 0 {
		r.p.invalidateGreetings(ctx, r.msg.ChannelID)
	}
	r.report(ctx, msgGreetingAdded, added, msgGreetingExists, exists, failed)
}

func (r *run) editGreeting(ctx context.Context, rest string) {
	keywords, body := ParseNames(rest)
	if len(keywords) == 0 || body == "" {
		r.usage(ctx, msgUsageGreeting)
		return
	}
	if hasEmoticon(body) || hasEmoticon(keywords...) {
		r.say(ctx, msgEmoticon, nil)
		return
	}
	var updated, missing []string
	failed := false
	for _, k := range keywords {
		err := r.p.Store.UpdateGreeting(ctx, r.msg.ChannelID, k, body)
		switch {
		case err == nil:
			updated = append(updated, k)
		case errors.Is(err, db.ErrNotFound):
			missing = append(missing, k)
		default:
			r.log().Error("update greeting failed", slog.String("keyword", k), slog.Any("err", err))
			failed = true
		}
	}
	if len(updated) > 0 {
		r.p.invalidateGreetings(ctx, r.msg.ChannelID)
	}
	r.report(ctx, msgGreetingUpdated, updated, msgGreetingMissing, missing, failed)
}

func (r *run) deleteGreeting(ctx context.Context, rest string) {
	keywords, _ := ParseNames(rest)
	if len(keywords) == 0 {
		r.usage(ctx, msgUsageGreetingNames)
		return
	}
	var deleted, missing []string
	failed := false
	for _, k := range keywords {
		err := r.p.Store.DeleteGreeting(ctx, r.msg.ChannelID, k)
		switch {
		case err == nil:
			deleted = append(deleted, k)
		case errors.Is(err, db.ErrNotFound):
			missing = append(missing, k)
		default:
			r.log().Error("delete greeting failed", slog.String("keyword", k), slog.Any("err", err))
			failed = true
		}
	}
	if len(deleted) > 0 {
		r.p.invalidateGreetings(ctx, r.msg.ChannelID)
	}
	r.report(ctx, msgGreetingDeleted, deleted, msgGreetingMissing, missing, failed)
}

func (r *run) listGreetings(ctx context.Context) {
	set := r.p.greetings(ctx, r.msg.ChannelID)
	if len(set) == 0 {
		r.say(ctx, msgGreetingListEmpty, nil)
		return
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.say(ctx, msgGreetingList, map[string]string{"list": strings.Join(keys, ", ")})
}
