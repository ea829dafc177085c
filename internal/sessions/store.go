package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

// ErrNotFound is returned when a session, or the row it depends on, is
// unknown to the store.
var ErrNotFound = errors.New("session not found")

// ErrLockTimeout is returned by Locker implementations when a lock could
// not be acquired before the configured deadline.
var ErrLockTimeout = errors.New("session lock timeout")

// ListOptions filters list_sessions / list_sessions_by_types.
type ListOptions struct {
	Types  []models.SessionType
	Limit  int
	Offset int

}

// SearchOptions filters search_chat_history.
type SearchOptions struct {
	Query     string
	Limit     int
	After     *time.Time
	Before    *time.Time
	ExcludeID string
}

// SearchResult is one ranked match from search_chat_history.
type SearchResult struct {
	SessionID string
	Score     float64
	Snippet   string
}

// Insights is the result of get_insights.
type Insights struct {
	TotalSessions int
	TotalTokens   int64
}

// updater is implemented by concrete store backends to apply a staged
// Update as a single statement.
type updater interface {
	applyUpdate(ctx context.Context, u *Update) error
}

// Update is the fluent builder for update(id)....apply(). Every
// setter stages a field; Apply commits exactly one statement against the
// backing store, never a read-modify-write across transactions.
type Update struct {
	target updater
	ID     string

	Name             *string
	UserSetName      *bool
	Description      *string
	WorkingDir       *string
	ExtensionData    json.RawMessage
	LastInput        *int
	LastOutput       *int
	LastTotal        *int
	AccumInput       *int
	AccumOutput      *int
	AccumTotal       *int
	ScheduleIDVal    *string
	RecipeVal        json.RawMessage
	UserRecipeValues json.RawMessage
	ProviderNameVal  *string
	ModelConfigVal   json.RawMessage
}

func newUpdate(target updater, id string) *Update {
	return &Update{target: target, ID: id}
}

func (u *Update) SetName(name string) *Update {
	u.Name = &name
	return u
}

// UserProvidedName sets the name and marks it as user-authored, which locks
// out automatic renaming.
func (u *Update) UserProvidedName(name string) *Update {
	u.Name = &name
	t := true
	u.UserSetName = &t
	return u
}

// SystemGeneratedName sets the name without touching UserSetName.
func (u *Update) SystemGeneratedName(name string) *Update {
	u.Name = &name
	return u
}

func (u *Update) SetDescription(d string) *Update {
	u.Description = &d
	return u
}

func (u *Update) SetWorkingDir(dir string) *Update {
	u.WorkingDir = &dir
	return u
}

func (u *Update) SetExtensionData(data json.RawMessage) *Update {
	u.ExtensionData = data
	return u
}

func (u *Update) SetLastTokens(input, output, total int) *Update {
	u.LastInput, u.LastOutput, u.LastTotal = &input, &output, &total
	return u
}

func (u *Update) AccumulateTokens(input, output, total int) *Update {
	u.AccumInput, u.AccumOutput, u.AccumTotal = &input, &output, &total
	return u
}

func (u *Update) SetScheduleID(id string) *Update {
	u.ScheduleIDVal = &id
	return u
}

func (u *Update) SetRecipe(r json.RawMessage) *Update {
	u.RecipeVal = r
	return u
}

func (u *Update) SetUserRecipeValues(v json.RawMessage) *Update {
	u.UserRecipeValues = v
	return u
}

func (u *Update) SetProviderName(name string) *Update {
	u.ProviderNameVal = &name
	return u
}

func (u *Update) SetModelConfig(cfg json.RawMessage) *Update {
	u.ModelConfigVal = cfg
	return u
}

// Apply commits the staged fields as one atomic operation.
func (u *Update) Apply(ctx context.Context) error {
	return u.target.applyUpdate(ctx, u)
}

// Store is the sole transactional interface to session state.
// Implementations: the SQLite-backed store for production use, and an
// in-memory store for unit tests that must not touch a real database.
type Store interface {
	CreateSession(ctx context.Context, workingDir, name string, sessionType models.SessionType) (*models.Session, error)
	GetSession(ctx context.Context, id string, includeMessages bool) (*models.Session, error)
	Update(id string) *Update
	AddMessage(ctx context.Context, id string, msg models.Message) error
	ReplaceConversation(ctx context.Context, id string, conv models.Conversation) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	TruncateConversation(ctx context.Context, id string, createdTimestampCutoff time.Time) error
	CopySession(ctx context.Context, id, newName string) (*models.Session, error)
	ExportSession(ctx context.Context, id string) ([]byte, error)
	ImportSession(ctx context.Context, data []byte) (*models.Session, error)
	GetInsights(ctx context.Context) (Insights, error)
	SearchChatHistory(ctx context.Context, opts SearchOptions) ([]SearchResult, error)
}

// exportedSession is the on-the-wire shape for ExportSession/ImportSession.
type exportedSession struct {
	Name                    string             `json:"name"`
	UserSetName             bool               `json:"user_set_name"`
	Description             string             `json:"description"`
	SessionType             models.SessionType `json:"session_type"`
	WorkingDir              string             `json:"working_dir"`
	ExtensionData           json.RawMessage    `json:"extension_data,omitempty"`
	LastInputTokens         int                `json:"last_input_tokens"`
	LastOutputTokens        int                `json:"last_output_tokens"`
	LastTotalTokens         int                `json:"last_total_tokens"`
	AccumulatedInputTokens  int                `json:"accumulated_input_tokens"`
	AccumulatedOutputTokens int                `json:"accumulated_output_tokens"`
	AccumulatedTotalTokens  int                `json:"accumulated_total_tokens"`
	Messages                []models.Message   `json:"messages"`
}
