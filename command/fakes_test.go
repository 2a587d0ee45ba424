package command

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/milkyway-bot/cache"
	"github.com/onnwee/milkyway-bot/db"
)

var errBoom = errors.New("boom")

type memStore struct {
	mu          sync.Mutex
	configs     map[string]db.ChannelConfig
	globals     []db.GlobalCommand
	commands    map[string]map[string]db.ChannelCommand
	greetings   map[string]map[string]string
	attendance  map[string]db.Attendance
	globalCalls int
	writeErr    error
}

func newMemStore() *memStore {
	return &memStore{
		configs:    map[string]db.ChannelConfig{},
		globals:    seedGlobals(),
		commands:   map[string]map[string]db.ChannelCommand{},
		greetings:  map[string]map[string]string{},
		attendance: map[string]db.Attendance{},
	}
}

func seedGlobals() []db.GlobalCommand {
	sys := func(id int64, names, action string, cd int) db.GlobalCommand {
		return db.GlobalCommand{ID: id, Command: names, Response: action, Kind: db.KindSystem, CooldownSeconds: cd, IsActive: true, DisplayOrder: int(id)}
	}
	return []db.GlobalCommand{
		sys(1, "명령어|commands", ActionListGlobal, 5),
		sys(2, "명령어목록|cmdlist", ActionListCommands, 5),
		sys(3, "명령어추가|addcmd", ActionAddCommand, 0),
		sys(4, "명령어수정|editcmd", ActionEditCommand, 0),
		sys(5, "명령어삭제|delcmd", ActionDeleteCommand, 0),
		sys(6, "명령어연결|aliascmd", ActionAliasCommand, 0),
		sys(7, "접두사|prefix", ActionSetPrefix, 0),
		sys(8, "인사추가|addgreet", ActionAddGreeting, 0),
		sys(9, "인사수정|editgreet", ActionEditGreeting, 0),
		sys(10, "인사삭제|delgreet", ActionDeleteGreeting, 0),
		sys(11, "인사목록|greetings", ActionListGreetings, 5),
		{ID: 12, Command: "출석|출첵|attend", Response: "{nickname}님 출석 완료! 연속 {streak}일 / 총 {total}일", Kind: db.KindAttendance, IsActive: true, DisplayOrder: 12},
		{ID: 13, Command: "봇|bot", Response: "은하수 봇이 작동 중입니다.", Kind: db.KindText, CooldownSeconds: 10, IsActive: true, DisplayOrder: 13},
	}
}

func (s *memStore) GetChannelConfig(_ context.Context, ch string) (db.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[ch]
	if !ok {
		return db.ChannelConfig{}, db.ErrNotFound
	}
	return c, nil
}

func (s *memStore) UpdatePrefix(_ context.Context, ch, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	c, ok := s.configs[ch]
	if !ok {
		c = db.ChannelConfig{ChannelID: ch, Language: "ko", IsActive: true}
	}
	c.CommandPrefix = prefix
	s.configs[ch] = c
	return nil
}

func (s *memStore) FindGlobalCommand(_ context.Context, name string) (db.GlobalCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCalls++
	for _, g := range s.globals {
		if g.Matches(name) {
			return g, nil
		}
	}
	return db.GlobalCommand{}, db.ErrNotFound
}

func (s *memStore) ListGlobalCommands(context.Context) ([]db.GlobalCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.GlobalCommand
	for _, g := range s.globals {
		if g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) GetChannelCommand(_ context.Context, ch, name string) (db.ChannelCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[ch][name]
	if !ok {
		return db.ChannelCommand{}, db.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListChannelCommands(_ context.Context, ch string) ([]db.ChannelCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ChannelCommand
	for _, c := range s.commands[ch] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out, nil
}

func (s *memStore) CreateChannelCommand(_ context.Context, c db.ChannelCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.commands[c.ChannelID] == nil {
		s.commands[c.ChannelID] = map[string]db.ChannelCommand{}
	}
	if _, ok := s.commands[c.ChannelID][c.Command]; ok {
		return db.ErrConflict
	}
	c.IsActive = true
	s.commands[c.ChannelID][c.Command] = c
	return nil
}

func (s *memStore) UpdateChannelCommand(_ context.Context, ch, name, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[ch][name]
	if !ok {
		return db.ErrNotFound
	}
	c.Response, c.Kind = response, db.KindText
	s.commands[ch][name] = c
	return nil
}

func (s *memStore) DeleteChannelCommand(_ context.Context, ch, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[ch][name]; !ok {
		return db.ErrNotFound
	}
	delete(s.commands[ch], name)
	return nil
}

func (s *memStore) ListGreetings(_ context.Context, ch string) ([]db.Greeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Greeting
	for k, v := range s.greetings[ch] {
		out = append(out, db.Greeting{ChannelID: ch, Keyword: k, Response: v})
	}
	return out, nil
}

func (s *memStore) CreateGreeting(_ context.Context, g db.Greeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetings[g.ChannelID] == nil {
		s.greetings[g.ChannelID] = map[string]string{}
	}
	if _, ok := s.greetings[g.ChannelID][g.Keyword]; ok {
		return db.ErrConflict
	}
	s.greetings[g.ChannelID][g.Keyword] = g.Response
	return nil
}

func (s *memStore) UpdateGreeting(_ context.Context, ch, kw, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.greetings[ch][kw]; !ok {
		return db.ErrNotFound
	}
	s.greetings[ch][kw] = response
	return nil
}

func (s *memStore) DeleteGreeting(_ context.Context, ch, kw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.greetings[ch][kw]; !ok {
		return db.ErrNotFound
	}
	delete(s.greetings[ch], kw)
	return nil
}

func (s *memStore) GetAttendance(_ context.Context, ch, user string) (db.Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attendance[ch+"/"+user]
	if !ok {
		return db.Attendance{}, db.ErrNotFound
	}
	return a, nil
}

func (s *memStore) SaveAttendance(_ context.Context, a db.Attendance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.attendance[a.ChannelID+"/"+a.UserID] = a
	return nil
}

// memCache mimics the redis cache with a controllable clock.
type memCache struct {
	mu        sync.Mutex
	now       func() time.Time
	prefixes  map[string]string
	greetings map[string]map[string]string
	cooldowns map[string]time.Time
	err       error
}

func newMemCache(now func() time.Time) *memCache {
	return &memCache{
		now:       now,
		prefixes:  map[string]string{},
		greetings: map[string]map[string]string{},
		cooldowns: map[string]time.Time{},
	}
}

func (c *memCache) GetPrefix(_ context.Context, ch string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	p, ok := c.prefixes[ch]
	if !ok {
		return "", cache.ErrMiss
	}
	return p, nil
}

func (c *memCache) SetPrefix(_ context.Context, ch, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.prefixes[ch] = p
	return nil
}

func (c *memCache) GetGreetings(_ context.Context, ch string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	m, ok := c.greetings[ch]
	if !ok {
		return nil, cache.ErrMiss
	}
	return m, nil
}

func (c *memCache) SetGreetings(_ context.Context, ch string, m map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.greetings[ch] = m
	return nil
}

func (c *memCache) InvalidateGreetings(_ context.Context, ch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.greetings, ch)
	return nil
}

func (c *memCache) AcquireCooldown(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	now := c.now()
	if until, ok := c.cooldowns[key]; ok && now.Before(until) {
		return false, nil
	}
	c.cooldowns[key] = now.Add(ttl)
	return true, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return r.err
}

func (r *recordingSender) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
