// Package sqlite implements atlas.Store on pure-Go SQLite. Zero CGO
// required. All writes serialize through a single connection, which
// eliminates SQLITE_BUSY errors from concurrent writers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/atlas"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements atlas.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ atlas.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	// Readers proceed while the single writer holds the WAL.
	_, _ = s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	_, _ = s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`)

	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'static',
			created_at INTEGER NOT NULL,
			isversion INTEGER NOT NULL DEFAULT 0,
			belongsto TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thoughts TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			router_enabled INTEGER NOT NULL DEFAULT 0,
			router_decision TEXT,
			domain_execution TEXT,
			timestamp INTEGER NOT NULL,
			UNIQUE(chat_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			stored_filename TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			api_state TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			api_file_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_files (
			message_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			PRIMARY KEY (message_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_versions (
			original_message_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			chat_version_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (original_message_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS message_lineage (
			message_id TEXT PRIMARY KEY,
			original_message_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			estimated_tokens INTEGER NOT NULL,
			actual_tokens INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coder_workspaces (
			chat_id TEXT PRIMARY KEY,
			path TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, position)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chats_belongsto ON chats(belongsto)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_token_usage_chat ON token_usage(chat_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateChat creates the chat if absent. Returns true when a new chat was
// created, false when it already existed.
func (s *Store) CreateChat(ctx context.Context, chatID, systemPrompt string) (bool, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (id, name, system_prompt, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chatID, chatID, systemPrompt, string(atlas.StateStatic), time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: create chat failed", "chat_id", chatID, "error", err)
		return false, fmt.Errorf("create chat: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: create chat", "chat_id", chatID, "created", n > 0, "duration", time.Since(start))
	return n > 0, nil
}

// CreateVersionChat creates a branch chat with isversion=true.
func (s *Store) CreateVersionChat(ctx context.Context, chatID, name, systemPrompt, belongsTo string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (id, name, system_prompt, state, created_at, isversion, belongsto)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		chatID, name, systemPrompt, string(atlas.StateStatic), time.Now().Unix(), belongsTo,
	)
	if err != nil {
		return fmt.Errorf("create version chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &atlas.ErrDuplicate{ChatID: chatID}
	}
	s.logger.Debug("sqlite: create version chat", "chat_id", chatID, "name", name, "belongs_to", belongsTo)
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (atlas.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats WHERE id = ?`, chatID)
	return scanChat(row, chatID)
}

func (s *Store) ListChats(ctx context.Context) ([]atlas.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return collectChats(rows)
}

// ListChildChats returns the direct version children of a chat.
func (s *Store) ListChildChats(ctx context.Context, parentID string) ([]atlas.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats WHERE belongsto = ? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child chats: %w", err)
	}
	return collectChats(rows)
}

// DeleteChat removes the chat and cascades to messages, file links,
// lineage, and token usage.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	steps := []string{
		`DELETE FROM message_files WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`,
		`DELETE FROM message_lineage WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM token_usage WHERE chat_id = ?`,
		`DELETE FROM coder_workspaces WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete chat ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

// SaveMessage persists a message at the next ordinal position and returns
// its id "<chat_id>_<position>". The position read and the insert share a
// transaction so concurrent saves never collide.
func (s *Store) SaveMessage(ctx context.Context, p atlas.SaveMessageParams) (string, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var pos int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE chat_id = ?`,
		p.ChatID,
	).Scan(&pos); err != nil {
		return "", fmt.Errorf("next position: %w", err)
	}
	id := atlas.MessageID(p.ChatID, pos)

	var decision *string
	if len(p.RouterDecision) > 0 {
		v := string(p.RouterDecision)
		decision = &v
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, position, role, content, thoughts, provider, model,
			router_enabled, router_decision, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.ChatID, pos, p.Role, p.Content, p.Thoughts, p.Provider, p.Model,
		boolInt(p.RouterEnabled), decision, time.Now().UnixNano(),
	)
	if err != nil {
		s.logger.Error("sqlite: save message failed", "chat_id", p.ChatID, "error", err)
		return "", fmt.Errorf("save message: %w", err)
	}
	for _, fileID := range p.AttachedFileIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_files (message_id, file_id) VALUES (?, ?)`,
			id, fileID,
		); err != nil {
			return "", fmt.Errorf("link file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: save message ok", "id", id, "role", p.Role, "duration", time.Since(start))
	return id, nil
}

// UpdateMessage rewrites an assistant message's content and thoughts.
func (s *Store) UpdateMessage(ctx context.Context, id, content, thoughts string, domainExecution json.RawMessage) error {
	var res sql.Result
	var err error
	if domainExecution != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET content = ?, thoughts = ?, domain_execution = ? WHERE id = ?`,
			content, thoughts, string(domainExecution), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE messages SET content = ?, thoughts = ? WHERE id = ?`,
			content, thoughts, id)
	}
	if err != nil {
		s.logger.Error("sqlite: update message failed", "id", id, "error", err)
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &atlas.ErrNotFound{Kind: "message", ID: id}
	}
	return nil
}

// CascadeDeleteMessage removes the target and all later messages in the
// same chat, returning the number of rows removed.
func (s *Store) CascadeDeleteMessage(ctx context.Context, id, chatID string) (int, error) {
	pos, err := atlas.MessagePosition(id)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_files WHERE message_id IN
			(SELECT id FROM messages WHERE chat_id = ? AND position >= ?)`,
		chatID, pos,
	); err != nil {
		return 0, fmt.Errorf("cascade delete links: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND position >= ?`, chatID, pos)
	if err != nil {
		return 0, fmt.Errorf("cascade delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: cascade delete", "id", id, "removed", n)
	return int(n), nil
}

// GetChatHistory returns the chat's messages ordered by ascending numeric
// position.
func (s *Store) GetChatHistory(ctx context.Context, chatID string) ([]atlas.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		messageColumns+` FROM messages WHERE chat_id = ? ORDER BY position`, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()

	var msgs []atlas.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i := range msgs {
		files, err := s.attachedFileIDs(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].AttachedFileIDs = files
	}
	return msgs, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (atlas.Message, error) {
	rows, err := s.db.QueryContext(ctx, messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return atlas.Message{}, fmt.Errorf("get message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return atlas.Message{}, &atlas.ErrNotFound{Kind: "message", ID: id}
	}
	m, err := scanMessage(rows)
	if err != nil {
		return atlas.Message{}, err
	}
	m.AttachedFileIDs, err = s.attachedFileIDs(ctx, id)
	return m, err
}

// UpdateChatState validates and applies a state transition. The read and
// the write share a transaction so concurrent transitions serialize.
func (s *Store) UpdateChatState(ctx context.Context, chatID string, state atlas.ChatState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM chats WHERE id = ?`, chatID).Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return &atlas.ErrNotFound{Kind: "chat", ID: chatID}
		}
		return fmt.Errorf("read chat state: %w", err)
	}
	from := atlas.ChatState(cur)
	if !atlas.ValidTransition(from, state) {
		return &atlas.ErrBadTransition{ChatID: chatID, From: from, To: state}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET state = ? WHERE id = ?`, string(state), chatID); err != nil {
		return fmt.Errorf("update chat state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: chat state", "chat_id", chatID, "from", from, "to", state)
	return nil
}

// RecordLineage appends a version row and links messageID to it.
func (s *Store) RecordLineage(ctx context.Context, messageID string, v atlas.MessageVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_versions
			(original_message_id, version_number, chat_version_id, operation, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.OriginalMessageID, v.VersionNumber, v.ChatVersionID, string(v.Operation), v.Content, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_lineage (message_id, original_message_id) VALUES (?, ?)`,
		messageID, v.OriginalMessageID,
	); err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	return tx.Commit()
}

// GetLineageVersions returns the recorded versions of an original message
// id, ordered by version number.
func (s *Store) GetLineageVersions(ctx context.Context, originalMessageID string) ([]atlas.MessageVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_message_id, version_number, chat_version_id, operation, content, created_at
		 FROM message_versions WHERE original_message_id = ? ORDER BY version_number`,
		originalMessageID)
	if err != nil {
		return nil, fmt.Errorf("get lineage versions: %w", err)
	}
	defer rows.Close()

	var out []atlas.MessageVersion
	for rows.Next() {
		var v atlas.MessageVersion
		var op string
		if err := rows.Scan(&v.OriginalMessageID, &v.VersionNumber, &v.ChatVersionID, &op, &v.Content, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Operation = atlas.VersionOp(op)
		out = append(out, v)
	}
	return out, rows.Err()
}

// LineageOriginal returns the original message id a message is linked to,
// or "" when no lineage row exists.
func (s *Store) LineageOriginal(ctx context.Context, messageID string) (string, error) {
	var orig string
	err := s.db.QueryRowContext(ctx,
		`SELECT original_message_id FROM message_lineage WHERE message_id = ?`, messageID).Scan(&orig)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lineage original: %w", err)
	}
	return orig, nil
}

func (s *Store) SaveTokenUsage(ctx context.Context, u atlas.TokenUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (message_id, chat_id, role, provider, model, estimated_tokens, actual_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.MessageID, u.ChatID, u.Role, u.Provider, u.Model, u.EstimatedTokens, u.ActualTokens)
	if err != nil {
		return fmt.Errorf("save token usage: %w", err)
	}
	return nil
}

func (s *Store) SaveFileRecord(ctx context.Context, f atlas.FileReference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files
			(id, original_name, stored_filename, file_size, api_state, provider, api_file_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OriginalName, f.StoredFilename, f.FileSize, string(f.APIState), f.Provider, f.APIFileName, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save file record: %w", err)
	}
	return nil
}

// UpdateFileAPIInfo advances the file state and records the remote handle.
// Rejects non-monotone transitions.
func (s *Store) UpdateFileAPIInfo(ctx context.Context, id string, state atlas.FileState, provider, apiFileName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT api_state FROM files WHERE id = ?`, id).Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return &atlas.ErrNotFound{Kind: "file", ID: id}
		}
		return fmt.Errorf("read file state: %w", err)
	}
	from := atlas.FileState(cur)
	if !atlas.ValidFileTransition(from, state) {
		return fmt.Errorf("file %s: illegal transition %s -> %s", id, from, state)
	}
	if apiFileName != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET api_state = ?, provider = ?, api_file_name = ? WHERE id = ?`,
			string(state), provider, apiFileName, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET api_state = ?, provider = ? WHERE id = ?`,
			string(state), provider, id)
	}
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetFileRecord(ctx context.Context, id string) (atlas.FileReference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_name, stored_filename, file_size, api_state, provider, api_file_name, created_at
		 FROM files WHERE id = ?`, id)
	var f atlas.FileReference
	var state string
	err := row.Scan(&f.ID, &f.OriginalName, &f.StoredFilename, &f.FileSize, &state, &f.Provider, &f.APIFileName, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return atlas.FileReference{}, &atlas.ErrNotFound{Kind: "file", ID: id}
	}
	if err != nil {
		return atlas.FileReference{}, fmt.Errorf("get file record: %w", err)
	}
	f.APIState = atlas.FileState(state)
	return f, nil
}

func (s *Store) GetMessageFiles(ctx context.Context, messageID string) ([]atlas.FileReference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.original_name, f.stored_filename, f.file_size, f.api_state, f.provider, f.api_file_name, f.created_at
		 FROM files f JOIN message_files mf ON mf.file_id = f.id
		 WHERE mf.message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message files: %w", err)
	}
	defer rows.Close()

	var out []atlas.FileReference
	for rows.Next() {
		var f atlas.FileReference
		var state string
		if err := rows.Scan(&f.ID, &f.OriginalName, &f.StoredFilename, &f.FileSize, &state, &f.Provider, &f.APIFileName, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.APIState = atlas.FileState(state)
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetChatWorkspace records the coder workspace selected for a chat.
func (s *Store) SetChatWorkspace(ctx context.Context, chatID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO coder_workspaces (chat_id, path) VALUES (?, ?)`, chatID, path)
	if err != nil {
		return fmt.Errorf("set chat workspace: %w", err)
	}
	return nil
}

// GetChatWorkspace returns the chat's workspace path, or "" if none.
func (s *Store) GetChatWorkspace(ctx context.Context, chatID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM coder_workspaces WHERE chat_id = ?`, chatID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get chat workspace: %w", err)
	}
	return path, nil
}

func (s *Store) Close() error { return s.db.Close() }

const messageColumns = `SELECT id, chat_id, position, role, content, thoughts, provider, model,
	router_enabled, router_decision, domain_execution, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (atlas.Message, error) {
	var m atlas.Message
	var enabled int
	var decision, domain sql.NullString
	err := r.Scan(&m.ID, &m.ChatID, &m.Position, &m.Role, &m.Content, &m.Thoughts,
		&m.Provider, &m.Model, &enabled, &decision, &domain, &m.Timestamp)
	if err != nil {
		return atlas.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.RouterEnabled = enabled != 0
	if decision.Valid {
		m.RouterDecision = json.RawMessage(decision.String)
	}
	if domain.Valid {
		m.DomainExecution = json.RawMessage(domain.String)
	}
	return m, nil
}

func scanChat(r rowScanner, chatID string) (atlas.Chat, error) {
	var c atlas.Chat
	var state string
	var isVersion int
	err := r.Scan(&c.ID, &c.Name, &c.SystemPrompt, &state, &c.CreatedAt, &isVersion, &c.BelongsTo)
	if err == sql.ErrNoRows {
		return atlas.Chat{}, &atlas.ErrNotFound{Kind: "chat", ID: chatID}
	}
	if err != nil {
		return atlas.Chat{}, fmt.Errorf("scan chat: %w", err)
	}
	c.State = atlas.ChatState(state)
	c.IsVersion = isVersion != 0
	return c, nil
}

func collectChats(rows *sql.Rows) ([]atlas.Chat, error) {
	defer rows.Close()
	var out []atlas.Chat
	for rows.Next() {
		c, err := scanChat(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) attachedFileIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id FROM message_files WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("attached files: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan file id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
