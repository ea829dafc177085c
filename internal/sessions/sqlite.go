package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/orbit/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store against a local SQLite database, using
// prepared-statement and explicit-transaction access throughout and the
// embedded migrations/*.sql applied by Migrator on open.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the on-disk database file and its pragmas.
type SQLiteConfig struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLiteConfig returns this required WAL + 5s busy timeout
// semantics.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:            path,
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
	}
}

// NewSQLiteStore opens (creating if absent) the database at cfg.Path,
// applies WAL mode and the busy timeout, and runs every pending migration
// before returning.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	defaults := DefaultSQLiteConfig(cfg.Path)
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaults.BusyTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	fresh, err := isFreshDatabase(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := &SQLiteStore{db: db}
	if fresh {
		store.importLegacySessions(ctx, filepath.Join(filepath.Dir(cfg.Path), "sessions"))
	}
	return store, nil
}

// isFreshDatabase reports whether the schema tracking table has never been
// created, i.e. this is the database file's first open.
func isFreshDatabase(ctx context.Context, db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&name)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return false, nil
}

// importLegacySessions scans dir for legacy JSON/JSONL session files and
// imports each through Importer. Runs only on a database's first open.
// Per-file failures are logged and skipped, never fatal.
func (s *SQLiteStore) importLegacySessions(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // no sibling legacy directory, nothing to do
	}
	importer := NewImporter(s)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".jsonl" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		result, err := importer.ImportFromFile(ctx, path, ImportOptions{SkipDuplicates: true})
		if err != nil {
			slog.Default().Warn("legacy session import failed", "file", path, "error", err)
			continue
		}
		slog.Default().Info("imported legacy session file",
			"file", path,
			"sessions", result.SessionsImported,
			"messages", result.MessagesImported)
	}
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for a DBLocker or other
// SQLite-backed companion (e.g. the Scheduler's execution store).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) nextSessionID(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	var next int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO day_sequences (day, next) VALUES ($1, 2)
		ON CONFLICT(day) DO UPDATE SET next = day_sequences.next + 1
		RETURNING next - 1
	`, day).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("allocate session id: %w", err)
	}
	return fmt.Sprintf("%s_%d", day, next), nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, workingDir, name string, sessionType models.SessionType) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id, err := s.nextSessionID(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:          id,
		Name:        name,
		SessionType: sessionType,
		WorkingDir:  workingDir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, session_type, working_dir, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.Name, string(sess.SessionType), sess.WorkingDir, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string, includeMessages bool) (*models.Session, error) {
	sess, err := s.scanSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if includeMessages {
		msgs, err := s.loadMessages(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		sess.Messages = msgs
	}
	return sess, nil
}

func (s *SQLiteStore) scanSession(ctx context.Context, q querier, id string) (*models.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, user_set_name, description, session_type, working_dir,
			extension_data, last_input_tokens, last_output_tokens, last_total_tokens,
			accumulated_input_tokens, accumulated_output_tokens, accumulated_total_tokens,
			schedule_id, recipe, user_recipe_values, provider_name, model_config,
			(SELECT COUNT(*) FROM session_messages m WHERE m.session_id = sessions.id),
			created_at, updated_at
		FROM sessions WHERE id = $1
	`, id)

	var (
		sess                                     models.Session
		sessionType                              string
		extensionData, recipe, userRecipe, model sql.NullString
		createdAt, updatedAt                      string
	)
	err := row.Scan(
		&sess.ID, &sess.Name, &sess.UserSetName, &sess.Description, &sessionType, &sess.WorkingDir,
		&extensionData, &sess.LastInputTokens, &sess.LastOutputTokens, &sess.LastTotalTokens,
		&sess.AccumulatedInputTokens, &sess.AccumulatedOutputTokens, &sess.AccumulatedTotalTokens,
		&sess.ScheduleID, &recipe, &userRecipe, &sess.ProviderName, &model,
		&sess.MessageCount,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.SessionType = models.SessionType(sessionType)
	if extensionData.Valid {
		sess.ExtensionData = json.RawMessage(extensionData.String)
	}
	if recipe.Valid {
		sess.Recipe = json.RawMessage(recipe.String)
	}
	if userRecipe.Valid {
		sess.UserRecipeValues = json.RawMessage(userRecipe.String)
	}
	if model.Valid {
		sess.ModelConfig = json.RawMessage(model.String)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, q querier, sessionID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, role, items, agent_visible, user_visible, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m                           models.Message
			role, itemsJSON, createdAt string
			agentVisible, userVisible  bool
		)
		if err := rows.Scan(&m.ID, &role, &itemsJSON, &agentVisible, &userVisible, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.Visibility = models.MessageMetadata{AgentVisible: agentVisible, UserVisible: userVisible}
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(itemsJSON), &m.Items); err != nil {
			return nil, fmt.Errorf("decode message items: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) Update(id string) *Update {
	return newUpdate(s, id)
}

func (s *SQLiteStore) applyUpdate(ctx context.Context, u *Update) error {
	sets := []string{}
	args := []any{}
	argN := 1
	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
		argN++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.UserSetName != nil {
		add("user_set_name", *u.UserSetName)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.WorkingDir != nil {
		add("working_dir", *u.WorkingDir)
	}
	if u.ExtensionData != nil {
		add("extension_data", string(u.ExtensionData))
	}
	if u.LastInput != nil {
		add("last_input_tokens", *u.LastInput)
		add("last_output_tokens", *u.LastOutput)
		add("last_total_tokens", *u.LastTotal)
	}
	if u.AccumInput != nil {
		sets = append(sets, fmt.Sprintf("accumulated_input_tokens = accumulated_input_tokens + $%d", argN))
		args = append(args, *u.AccumInput)
		argN++
		sets = append(sets, fmt.Sprintf("accumulated_output_tokens = accumulated_output_tokens + $%d", argN))
		args = append(args, *u.AccumOutput)
		argN++
		sets = append(sets, fmt.Sprintf("accumulated_total_tokens = accumulated_total_tokens + $%d", argN))
		args = append(args, *u.AccumTotal)
		argN++
	}
	if u.ScheduleIDVal != nil {
		add("schedule_id", *u.ScheduleIDVal)
	}
	if u.RecipeVal != nil {
		add("recipe", string(u.RecipeVal))
	}
	if u.UserRecipeValues != nil {
		add("user_recipe_values", string(u.UserRecipeValues))
	}
	if u.ProviderNameVal != nil {
		add("provider_name", *u.ProviderNameVal)
	}
	if u.ModelConfigVal != nil {
		add("model_config", string(u.ModelConfigVal))
	}
	add("updated_at", formatTime(time.Now().UTC()))

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d", strings.Join(sets, ", "), argN)
	args = append(args, u.ID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, id string, msg models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.scanSession(ctx, tx, id); err != nil {
		return err
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = $1`, id).Scan(&seq); err != nil {
		return fmt.Errorf("allocate message seq: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	itemsJSON, err := json.Marshal(msg.Items)
	if err != nil {
		return fmt.Errorf("encode message items: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, seq, id, role, items, agent_visible, user_visible, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, seq, msg.ID, string(msg.Role), string(itemsJSON), msg.Visibility.AgentVisible, msg.Visibility.UserVisible, formatTime(msg.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, formatTime(msg.CreatedAt), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ReplaceConversation(ctx context.Context, id string, conv models.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.scanSession(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	now := time.Now().UTC()
	for i, msg := range conv.Messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		itemsJSON, err := json.Marshal(msg.Items)
		if err != nil {
			return fmt.Errorf("encode message items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, id, role, items, agent_visible, user_visible, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, i+1, msg.ID, string(msg.Role), string(itemsJSON), msg.Visibility.AgentVisible, msg.Visibility.UserVisible, formatTime(msg.CreatedAt)); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, formatTime(now), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, name, user_set_name, description, session_type, working_dir,
			extension_data, last_input_tokens, last_output_tokens, last_total_tokens,
			accumulated_input_tokens, accumulated_output_tokens, accumulated_total_tokens,
			schedule_id, recipe, user_recipe_values, provider_name, model_config,
			(SELECT COUNT(*) FROM session_messages m WHERE m.session_id = sessions.id),
			created_at, updated_at
		FROM sessions
	`)
	args := []any{}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, string(t))
		}
		query.WriteString(fmt.Sprintf(" WHERE session_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	query.WriteString(" ORDER BY updated_at DESC")
	if opts.Limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)+1))
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)+1))
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			sess                                      models.Session
			sessionType                                string
			extensionData, recipe, userRecipe, model  sql.NullString
			createdAt, updatedAt                       string
		)
		if err := rows.Scan(
			&sess.ID, &sess.Name, &sess.UserSetName, &sess.Description, &sessionType, &sess.WorkingDir,
			&extensionData, &sess.LastInputTokens, &sess.LastOutputTokens, &sess.LastTotalTokens,
			&sess.AccumulatedInputTokens, &sess.AccumulatedOutputTokens, &sess.AccumulatedTotalTokens,
			&sess.ScheduleID, &recipe, &userRecipe, &sess.ProviderName, &model,
			&sess.MessageCount,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.SessionType = models.SessionType(sessionType)
		if extensionData.Valid {
			sess.ExtensionData = json.RawMessage(extensionData.String)
		}
		if recipe.Valid {
			sess.Recipe = json.RawMessage(recipe.String)
		}
		if userRecipe.Valid {
			sess.UserRecipeValues = json.RawMessage(userRecipe.String)
		}
		if model.Valid {
			sess.ModelConfig = json.RawMessage(model.String)
		}
		sess.CreatedAt = parseTime(createdAt)
		sess.UpdatedAt = parseTime(updatedAt)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TruncateConversation(ctx context.Context, id string, createdTimestampCutoff time.Time) error {
	if _, err := s.scanSession(ctx, s.db, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM session_messages WHERE session_id = $1 AND created_at >= $2
	`, id, formatTime(createdTimestampCutoff)); err != nil {
		return fmt.Errorf("truncate conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CopySession(ctx context.Context, id, newName string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	src, err := s.scanSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	newID, err := s.nextSessionID(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	dst := *src
	dst.ID = newID
	dst.Name = newName
	dst.UserSetName = newName != ""
	dst.CreatedAt = now
	dst.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, user_set_name, description, session_type, working_dir,
			extension_data, last_input_tokens, last_output_tokens, last_total_tokens,
			accumulated_input_tokens, accumulated_output_tokens, accumulated_total_tokens,
			schedule_id, recipe, user_recipe_values, provider_name, model_config,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, dst.ID, dst.Name, dst.UserSetName, dst.Description, string(dst.SessionType), dst.WorkingDir,
		nullableRaw(dst.ExtensionData), dst.LastInputTokens, dst.LastOutputTokens, dst.LastTotalTokens,
		dst.AccumulatedInputTokens, dst.AccumulatedOutputTokens, dst.AccumulatedTotalTokens,
		dst.ScheduleID, nullableRaw(dst.Recipe), nullableRaw(dst.UserRecipeValues), dst.ProviderName, nullableRaw(dst.ModelConfig),
		formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("insert copied session: %w", err)
	}

	for i, msg := range msgs {
		itemsJSON, err := json.Marshal(msg.Items)
		if err != nil {
			return nil, fmt.Errorf("encode message items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, id, role, items, agent_visible, user_visible, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, newID, i+1, uuid.NewString(), string(msg.Role), string(itemsJSON), msg.Visibility.AgentVisible, msg.Visibility.UserVisible, formatTime(msg.CreatedAt)); err != nil {
			return nil, fmt.Errorf("insert copied message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &dst, nil
}

func (s *SQLiteStore) ExportSession(ctx context.Context, id string) ([]byte, error) {
	sess, err := s.scanSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	exp := exportedSession{
		Name:                    sess.Name,
		UserSetName:             sess.UserSetName,
		Description:             sess.Description,
		SessionType:             sess.SessionType,
		WorkingDir:              sess.WorkingDir,
		ExtensionData:           sess.ExtensionData,
		LastInputTokens:         sess.LastInputTokens,
		LastOutputTokens:        sess.LastOutputTokens,
		LastTotalTokens:         sess.LastTotalTokens,
		AccumulatedInputTokens:  sess.AccumulatedInputTokens,
		AccumulatedOutputTokens: sess.AccumulatedOutputTokens,
		AccumulatedTotalTokens:  sess.AccumulatedTotalTokens,
		Messages:                msgs,
	}
	return json.Marshal(exp)
}

func (s *SQLiteStore) ImportSession(ctx context.Context, data []byte) (*models.Session, error) {
	var exp exportedSession
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decode exported session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id, err := s.nextSessionID(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, user_set_name, description, session_type, working_dir,
			extension_data, last_input_tokens, last_output_tokens, last_total_tokens,
			accumulated_input_tokens, accumulated_output_tokens, accumulated_total_tokens,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, id, exp.Name, exp.UserSetName, exp.Description, string(exp.SessionType), exp.WorkingDir,
		nullableRaw(exp.ExtensionData), exp.LastInputTokens, exp.LastOutputTokens, exp.LastTotalTokens,
		exp.AccumulatedInputTokens, exp.AccumulatedOutputTokens, exp.AccumulatedTotalTokens,
		formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("insert imported session: %w", err)
	}

	for i, msg := range exp.Messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		itemsJSON, err := json.Marshal(msg.Items)
		if err != nil {
			return nil, fmt.Errorf("encode message items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, id, role, items, agent_visible, user_visible, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, i+1, msg.ID, string(msg.Role), string(itemsJSON), msg.Visibility.AgentVisible, msg.Visibility.UserVisible, formatTime(msg.CreatedAt)); err != nil {
			return nil, fmt.Errorf("insert imported message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sess, err := s.scanSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	sess.Messages, err = s.loadMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetInsights(ctx context.Context) (Insights, error) {
	var ins Insights
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(accumulated_total_tokens), 0) FROM sessions
	`)
	if err := row.Scan(&ins.TotalSessions, &ins.TotalTokens); err != nil {
		return Insights{}, fmt.Errorf("get insights: %w", err)
	}
	return ins, nil
}

// SearchChatHistory filters by date range and exclusion in SQL, then
// applies the same deterministic term-frequency scorer as MemoryStore
// over each candidate session's text content.
func (s *SQLiteStore) SearchChatHistory(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	terms := strings.Fields(strings.ToLower(opts.Query))
	if len(terms) == 0 {
		return nil, nil
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id FROM sessions`)
	args := []any{}
	var conds []string
	if opts.ExcludeID != "" {
		conds = append(conds, fmt.Sprintf("id != $%d", len(args)+1))
		args = append(args, opts.ExcludeID)
	}
	if opts.After != nil {
		conds = append(conds, fmt.Sprintf("updated_at >= $%d", len(args)+1))
		args = append(args, formatTime(*opts.After))
	}
	if opts.Before != nil {
		conds = append(conds, fmt.Sprintf("updated_at <= $%d", len(args)+1))
		args = append(args, formatTime(*opts.Before))
	}
	if len(conds) > 0 {
		query.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search candidate sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, id := range ids {
		msgs, err := s.loadMessages(ctx, s.db, id)
		if err != nil {
			return nil, err
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

	sortSearchResults(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func sortSearchResults(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func nullableRaw(v json.RawMessage) any {
	if v == nil {
		return nil
	}
	return string(v)
}

// formatTime and parseTime use RFC3339Nano so values sort lexicographically
// the same as chronologically, which every ORDER BY/comparison above
// depends on.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
