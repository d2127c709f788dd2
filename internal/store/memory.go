package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/pkg/models"
)

// Memory is an in-memory Store used in tests and as a scratch store.
// It applies the same invariants as the SQLite adapter.
type Memory struct {
	mu sync.RWMutex

	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // keyed by conversation id
	summaries     map[string]*models.Summary
	skills        map[string]*models.Skill
	tasks         map[string]*models.Task
	taskOrder     []string
	workItems     map[string]*models.WorkItem
	toolCalls     []*models.ToolCallRecord
	usage         []usageRow
	settings      map[string]string

	lastStamp time.Time
}

type usageRow struct {
	modelTag   string
	tokensIn   int
	tokensOut  int
	recordedAt time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		summaries:     make(map[string]*models.Summary),
		skills:        make(map[string]*models.Skill),
		tasks:         make(map[string]*models.Task),
		workItems:     make(map[string]*models.WorkItem),
		settings:      make(map[string]string),
	}
}

// now returns a strictly increasing UTC timestamp (lock held).
func (s *Memory) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func (s *Memory) CreateConversation(_ context.Context, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now(),
	}
	conv.UpdatedAt = conv.CreatedAt
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *Memory) ListConversations(_ context.Context, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *Memory) RenameConversation(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return nil
}

func (s *Memory) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.summaries, id)
	return nil
}

func (s *Memory) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	stored := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)
	if c, ok := s.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (s *Memory) RecentMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	msgs := s.messages[conversationID]
	start := len(msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Memory) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *Memory) GetSummary(_ context.Context, conversationID string) (*models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		return nil, nil
	}
	clone := *sum
	return &clone, nil
}

func (s *Memory) SaveSummary(_ context.Context, summary *models.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now()
	}
	clone := *summary
	s.summaries[summary.ConversationID] = &clone
	return nil
}

func (s *Memory) SaveSkill(_ context.Context, skill *models.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.skills[skill.Name]; ok {
		skill.CreatedAt = existing.CreatedAt
		skill.UsageCount = existing.UsageCount
	} else if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now
	clone := *skill
	s.skills[skill.Name] = &clone
	return nil
}

func (s *Memory) ListSkills(_ context.Context) ([]*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		clone := *sk
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Memory) FindSkillsByDomain(_ context.Context, domain string) ([]*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Skill
	for _, sk := range s.skills {
		if sk.Domain == domain {
			clone := *sk
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Memory) IncrementSkillUsage(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sk, ok := s.skills[name]; ok {
		sk.UsageCount++
		sk.UpdatedAt = s.now()
	}
	return nil
}

func (s *Memory) DeleteSkill(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.skills, name)
	return nil
}

func (s *Memory) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	clone := *task
	s.tasks[task.ID] = &clone
	s.taskOrder = append(s.taskOrder, task.ID)
	return nil
}

func (s *Memory) UpdateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok || existing.Status.IsTerminal() {
		return nil
	}
	existing.Status = task.Status
	existing.Result = task.Result
	existing.Error = task.Error
	existing.UpdatedAt = s.now()
	return nil
}

func (s *Memory) ListTasks(_ context.Context, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]*models.Task, 0, limit)
	for i := len(s.taskOrder) - 1; i >= 0 && len(out) < limit; i-- {
		if t, ok := s.tasks[s.taskOrder[i]]; ok {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Memory) UpsertWorkItem(_ context.Context, item *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.workItems[item.ID]; ok {
		item.CreatedAt = existing.CreatedAt
	} else if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	clone := *item
	s.workItems[item.ID] = &clone
	return nil
}

func (s *Memory) UpdateWorkItemStatus(_ context.Context, id string, status models.WorkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.workItems[id]
	if !ok || it.Status.IsTerminal() {
		return nil
	}
	it.Status = status
	it.UpdatedAt = s.now()
	return nil
}

func (s *Memory) ListWorkItems(_ context.Context, kind models.WorkKind, limit int) ([]*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.WorkItem
	for _, it := range s.workItems {
		if kind != "" && it.Kind != kind {
			continue
		}
		clone := *it
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) RecordToolCall(_ context.Context, rec *models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CalledAt.IsZero() {
		rec.CalledAt = s.now()
	}
	clone := *rec
	s.toolCalls = append(s.toolCalls, &clone)
	return nil
}

func (s *Memory) ListToolCalls(_ context.Context, limit int) ([]*models.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	start := len(s.toolCalls) - limit
	if start < 0 {
		start = 0
	}
	out := make([]*models.ToolCallRecord, 0, len(s.toolCalls)-start)
	for i := len(s.toolCalls) - 1; i >= start; i-- {
		clone := *s.toolCalls[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Memory) RecordUsage(_ context.Context, modelTag string, tokensIn, tokensOut int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usageRow{modelTag, tokensIn, tokensOut, s.now()})
	return nil
}

func (s *Memory) UsageByModel(_ context.Context, since time.Time) ([]models.UsageStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg := make(map[string]*models.UsageStat)
	for _, row := range s.usage {
		if row.recordedAt.Before(since) {
			continue
		}
		stat, ok := agg[row.modelTag]
		if !ok {
			stat = &models.UsageStat{ModelTag: row.modelTag}
			agg[row.modelTag] = stat
		}
		stat.Turns++
		stat.TokensIn += row.tokensIn
		stat.TokensOut += row.tokensOut
	}
	out := make([]models.UsageStat, 0, len(agg))
	for _, stat := range agg {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelTag < out[j].ModelTag })
	return out, nil
}

func (s *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *Memory) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Memory) SetSettings(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.settings[k] = v
	}
	return nil
}

func (s *Memory) ListSettings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() error { return nil }

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	return &clone
}
