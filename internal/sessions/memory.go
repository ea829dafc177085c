package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

// MemoryStore is an in-memory Store implementation. It exists so that
// Conversation Repair, the Agent Orchestrator, and the Scheduler can be
// unit tested without a SQLite file, and it implements the exact same
// concurrency contract as the SQLite store: distinct sessions never
// serialize against each other.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.Message
	dayCount map[string]int // YYYYMMDD -> next sequence number
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]models.Message{},
		dayCount: map[string]int{},
	}
}

// nextID generates a session id in the "YYYYMMDD_<n>" form,
// with n a monotonically increasing suffix per calendar day.
func (m *MemoryStore) nextID(now time.Time) string {
	day := now.Format("20060102")
	m.dayCount[day]++
	return day + "_" + strconv.Itoa(m.dayCount[day])
}

func (m *MemoryStore) CreateSession(ctx context.Context, workingDir, name string, sessionType models.SessionType) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	id := m.nextID(now)
	s := &models.Session{
		ID:          id,
		Name:        name,
		SessionType: sessionType,
		WorkingDir:  workingDir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[id] = cloneSession(s)
	m.messages[id] = nil
	return cloneSession(s), nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string, includeMessages bool) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSession(s)
	out.MessageCount = len(m.messages[id])
	if includeMessages {
		out.Messages = cloneMessages(m.messages[id])
	}
	return out, nil
}

func (m *MemoryStore) Update(id string) *Update {
	return newUpdate(m, id)
}

func (m *MemoryStore) applyUpdate(ctx context.Context, u *Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[u.ID]
	if !ok {
		return ErrNotFound
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.UserSetName != nil {
		s.UserSetName = *u.UserSetName
	}
	if u.Description != nil {
		s.Description = *u.Description
	}
	if u.WorkingDir != nil {
		s.WorkingDir = *u.WorkingDir
	}
	if u.ExtensionData != nil {
		s.ExtensionData = u.ExtensionData
	}
	if u.LastInput != nil {
		s.LastInputTokens, s.LastOutputTokens, s.LastTotalTokens = *u.LastInput, *u.LastOutput, *u.LastTotal
	}
	if u.AccumInput != nil {
		s.AccumulatedInputTokens += *u.AccumInput
		s.AccumulatedOutputTokens += *u.AccumOutput
		s.AccumulatedTotalTokens += *u.AccumTotal
	}
	if u.ScheduleIDVal != nil {
		s.ScheduleID = *u.ScheduleIDVal
	}
	if u.RecipeVal != nil {
		s.Recipe = u.RecipeVal
	}
	if u.UserRecipeValues != nil {
		s.UserRecipeValues = u.UserRecipeValues
	}
	if u.ProviderNameVal != nil {
		s.ProviderName = *u.ProviderNameVal
	}
	if u.ModelConfigVal != nil {
		s.ModelConfig = u.ModelConfigVal
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, id string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[id] = append(m.messages[id], msg)
	s.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) ReplaceConversation(ctx context.Context, id string, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	m.messages[id] = cloneMessages(conv.Messages)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	typeSet := make(map[models.SessionType]bool, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = true
	}

	var out []*models.Session
	for id, s := range m.sessions {
		if len(typeSet) > 0 && !typeSet[s.SessionType] {
			continue
		}
		clone := cloneSession(s)
		clone.MessageCount = len(m.messages[id])
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) TruncateConversation(ctx context.Context, id string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	msgs := m.messages[id]
	kept := msgs[:0:0]
	for _, msg := range msgs {
		if msg.CreatedAt.Before(cutoff) {
			kept = append(kept, msg)
		}
	}
	m.messages[id] = kept
	return nil
}

func (m *MemoryStore) CopySession(ctx context.Context, id, newName string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	newID := m.nextID(now)
	copySession := cloneSession(src)
	copySession.ID = newID
	copySession.Name = newName
	copySession.UserSetName = newName != ""
	copySession.CreatedAt = now
	copySession.UpdatedAt = now
	m.sessions[newID] = cloneSession(copySession)
	m.messages[newID] = cloneMessages(m.messages[id])
	return cloneSession(copySession), nil
}

func (m *MemoryStore) ExportSession(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	exp := exportedSession{
		Name:                    s.Name,
		UserSetName:             s.UserSetName,
		Description:             s.Description,
		SessionType:             s.SessionType,
		WorkingDir:              s.WorkingDir,
		ExtensionData:           s.ExtensionData,
		LastInputTokens:         s.LastInputTokens,
		LastOutputTokens:        s.LastOutputTokens,
		LastTotalTokens:         s.LastTotalTokens,
		AccumulatedInputTokens:  s.AccumulatedInputTokens,
		AccumulatedOutputTokens: s.AccumulatedOutputTokens,
		AccumulatedTotalTokens:  s.AccumulatedTotalTokens,
		Messages:                cloneMessages(m.messages[id]),
	}
	return json.Marshal(exp)
}

func (m *MemoryStore) ImportSession(ctx context.Context, data []byte) (*models.Session, error) {
	var exp exportedSession
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	id := m.nextID(now)
	s := &models.Session{
		ID:                      id,
		Name:                    exp.Name,
		UserSetName:             exp.UserSetName,
		Description:             exp.Description,
		SessionType:             exp.SessionType,
		WorkingDir:              exp.WorkingDir,
		ExtensionData:           exp.ExtensionData,
		LastInputTokens:         exp.LastInputTokens,
		LastOutputTokens:        exp.LastOutputTokens,
		LastTotalTokens:         exp.LastTotalTokens,
		AccumulatedInputTokens:  exp.AccumulatedInputTokens,
		AccumulatedOutputTokens: exp.AccumulatedOutputTokens,
		AccumulatedTotalTokens:  exp.AccumulatedTotalTokens,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	m.sessions[id] = cloneSession(s)
	m.messages[id] = cloneMessages(exp.Messages)
	out := cloneSession(s)
	out.Messages = cloneMessages(exp.Messages)
	return out, nil
}

func (m *MemoryStore) GetInsights(ctx context.Context) (Insights, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ins Insights
	ins.TotalSessions = len(m.sessions)
	for _, s := range m.sessions {
		ins.TotalTokens += int64(s.AccumulatedTotalTokens)
	}
	return ins, nil
}

// SearchChatHistory applies a deterministic term-frequency scorer over each
// session's message text, after the date/exclusion filters.
func (m *MemoryStore) SearchChatHistory(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(opts.Query))
	if len(terms) == 0 {
		return nil, nil
	}

	var results []SearchResult
	for id, msgs := range m.messages {
		if id == opts.ExcludeID {
			continue
		}
		s := m.sessions[id]
		if opts.After != nil && s.UpdatedAt.Before(*opts.After) {
			continue
		}
		if opts.Before != nil && s.UpdatedAt.After(*opts.Before) {
			continue
		}
		var score float64
		var snippet string
		for _, msg := range msgs {
			for _, item := range msg.Items {
				if item.Type != models.ContentText || item.Text == "" {
					continue
				}
				lower := strings.ToLower(item.Text)
				count := 0
				for _, term := range terms {
					count += strings.Count(lower, term)
				}
				if count > 0 {
					score += float64(count)
					if snippet == "" {
						snippet = item.Text
					}
				}
			}
		}
		if score > 0 {
			results = append(results, SearchResult{SessionID: id, Score: score, Snippet: snippet})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = nil
	if s.ExtensionData != nil {
		clone.ExtensionData = append(json.RawMessage{}, s.ExtensionData...)
	}
	if s.Recipe != nil {
		clone.Recipe = append(json.RawMessage{}, s.Recipe...)
	}
	if s.UserRecipeValues != nil {
		clone.UserRecipeValues = append(json.RawMessage{}, s.UserRecipeValues...)
	}
	if s.ModelConfig != nil {
		clone.ModelConfig = append(json.RawMessage{}, s.ModelConfig...)
	}
	return &clone
}

func cloneMessages(msgs []models.Message) []models.Message {
	if msgs == nil {
		return nil
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Items = append([]models.ContentItem{}, m.Items...)
	}
	return out
}
