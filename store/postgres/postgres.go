// Package postgres implements atlas.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Ordinal message
// positions are assigned under a row lock so concurrent writers to the
// same chat never collide.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/atlas"
)

// Store implements atlas.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ atlas.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'static',
			created_at BIGINT NOT NULL,
			isversion BOOLEAN NOT NULL DEFAULT FALSE,
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
			router_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			router_decision JSONB,
			domain_execution JSONB,
			ts BIGINT NOT NULL,
			UNIQUE (chat_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			stored_filename TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			api_state TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			api_file_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
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
			created_at BIGINT NOT NULL,
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
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_belongsto ON chats (belongsto)`,
		`CREATE INDEX IF NOT EXISTS idx_token_usage_chat ON token_usage (chat_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateChat(ctx context.Context, chatID, systemPrompt string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, name, system_prompt, state, created_at)
		 VALUES ($1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		chatID, systemPrompt, string(atlas.StateStatic), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("create chat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreateVersionChat(ctx context.Context, chatID, name, systemPrompt, belongsTo string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, name, system_prompt, state, created_at, isversion, belongsto)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		 ON CONFLICT (id) DO NOTHING`,
		chatID, name, systemPrompt, string(atlas.StateStatic), time.Now().Unix(), belongsTo)
	if err != nil {
		return fmt.Errorf("create version chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &atlas.ErrDuplicate{ChatID: chatID}
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (atlas.Chat, error) {
	var c atlas.Chat
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats WHERE id = $1`, chatID,
	).Scan(&c.ID, &c.Name, &c.SystemPrompt, &state, &c.CreatedAt, &c.IsVersion, &c.BelongsTo)
	if errors.Is(err, pgx.ErrNoRows) {
		return atlas.Chat{}, &atlas.ErrNotFound{Kind: "chat", ID: chatID}
	}
	if err != nil {
		return atlas.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.State = atlas.ChatState(state)
	return c, nil
}

func (s *Store) ListChats(ctx context.Context) ([]atlas.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return collectChats(rows)
}

func (s *Store) ListChildChats(ctx context.Context, parentID string) ([]atlas.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, system_prompt, state, created_at, isversion, belongsto
		 FROM chats WHERE belongsto = $1 ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child chats: %w", err)
	}
	return collectChats(rows)
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	steps := []string{
		`DELETE FROM message_files WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)`,
		`DELETE FROM message_lineage WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)`,
		`DELETE FROM messages WHERE chat_id = $1`,
		`DELETE FROM token_usage WHERE chat_id = $1`,
		`DELETE FROM coder_workspaces WHERE chat_id = $1`,
		`DELETE FROM chats WHERE id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.Exec(ctx, q, chatID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// SaveMessage persists a message at the next ordinal position. The chat
// row is locked FOR UPDATE for the duration of the insert so concurrent
// saves to one chat serialize instead of racing on the unique index.
func (s *Store) SaveMessage(ctx context.Context, p atlas.SaveMessageParams) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists string
	err = tx.QueryRow(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, p.ChatID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &atlas.ErrNotFound{Kind: "chat", ID: p.ChatID}
	}
	if err != nil {
		return "", fmt.Errorf("lock chat: %w", err)
	}

	var pos int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE chat_id = $1`, p.ChatID,
	).Scan(&pos); err != nil {
		return "", fmt.Errorf("next position: %w", err)
	}
	id := atlas.MessageID(p.ChatID, pos)

	var decision any
	if len(p.RouterDecision) > 0 {
		decision = []byte(p.RouterDecision)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, position, role, content, thoughts, provider, model,
			router_enabled, router_decision, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, p.ChatID, pos, p.Role, p.Content, p.Thoughts, p.Provider, p.Model,
		p.RouterEnabled, decision, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	for _, fileID := range p.AttachedFileIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_files (message_id, file_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, fileID); err != nil {
			return "", fmt.Errorf("link file: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id, content, thoughts string, domainExecution json.RawMessage) error {
	var tag pgconn.CommandTag
	var err error
	if domainExecution != nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE messages SET content = $1, thoughts = $2, domain_execution = $3 WHERE id = $4`,
			content, thoughts, []byte(domainExecution), id)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE messages SET content = $1, thoughts = $2 WHERE id = $3`,
			content, thoughts, id)
	}
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &atlas.ErrNotFound{Kind: "message", ID: id}
	}
	return nil
}

func (s *Store) CascadeDeleteMessage(ctx context.Context, id, chatID string) (int, error) {
	pos, err := atlas.MessagePosition(id)
	if err != nil {
		return 0, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM message_files WHERE message_id IN
			(SELECT id FROM messages WHERE chat_id = $1 AND position >= $2)`,
		chatID, pos); err != nil {
		return 0, fmt.Errorf("cascade delete links: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND position >= $2`, chatID, pos)
	if err != nil {
		return 0, fmt.Errorf("cascade delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetChatHistory(ctx context.Context, chatID string) ([]atlas.Message, error) {
	rows, err := s.pool.Query(ctx,
		messageColumns+` FROM messages WHERE chat_id = $1 ORDER BY position`, chatID)
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
		msgs[i].AttachedFileIDs, err = s.attachedFileIDs(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (atlas.Message, error) {
	rows, err := s.pool.Query(ctx, messageColumns+` FROM messages WHERE id = $1`, id)
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
	rows.Close()
	m.AttachedFileIDs, err = s.attachedFileIDs(ctx, id)
	return m, err
}

func (s *Store) UpdateChatState(ctx context.Context, chatID string, state atlas.ChatState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cur string
	err = tx.QueryRow(ctx, `SELECT state FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return &atlas.ErrNotFound{Kind: "chat", ID: chatID}
	}
	if err != nil {
		return fmt.Errorf("read chat state: %w", err)
	}
	from := atlas.ChatState(cur)
	if !atlas.ValidTransition(from, state) {
		return &atlas.ErrBadTransition{ChatID: chatID, From: from, To: state}
	}
	if _, err := tx.Exec(ctx, `UPDATE chats SET state = $1 WHERE id = $2`, string(state), chatID); err != nil {
		return fmt.Errorf("update chat state: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordLineage(ctx context.Context, messageID string, v atlas.MessageVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_versions
			(original_message_id, version_number, chat_version_id, operation, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (original_message_id, version_number) DO UPDATE
		 SET chat_version_id = EXCLUDED.chat_version_id,
		     operation = EXCLUDED.operation,
		     content = EXCLUDED.content,
		     created_at = EXCLUDED.created_at`,
		v.OriginalMessageID, v.VersionNumber, v.ChatVersionID, string(v.Operation), v.Content, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO message_lineage (message_id, original_message_id) VALUES ($1, $2)
		 ON CONFLICT (message_id) DO UPDATE SET original_message_id = EXCLUDED.original_message_id`,
		messageID, v.OriginalMessageID,
	); err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetLineageVersions(ctx context.Context, originalMessageID string) ([]atlas.MessageVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT original_message_id, version_number, chat_version_id, operation, content, created_at
		 FROM message_versions WHERE original_message_id = $1 ORDER BY version_number`,
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

func (s *Store) LineageOriginal(ctx context.Context, messageID string) (string, error) {
	var orig string
	err := s.pool.QueryRow(ctx,
		`SELECT original_message_id FROM message_lineage WHERE message_id = $1`, messageID).Scan(&orig)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lineage original: %w", err)
	}
	return orig, nil
}

func (s *Store) SaveTokenUsage(ctx context.Context, u atlas.TokenUsage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_usage (message_id, chat_id, role, provider, model, estimated_tokens, actual_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.MessageID, u.ChatID, u.Role, u.Provider, u.Model, u.EstimatedTokens, u.ActualTokens)
	if err != nil {
		return fmt.Errorf("save token usage: %w", err)
	}
	return nil
}

func (s *Store) SaveFileRecord(ctx context.Context, f atlas.FileReference) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files
			(id, original_name, stored_filename, file_size, api_state, provider, api_file_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET original_name = EXCLUDED.original_name,
		     stored_filename = EXCLUDED.stored_filename,
		     file_size = EXCLUDED.file_size,
		     api_state = EXCLUDED.api_state,
		     provider = EXCLUDED.provider,
		     api_file_name = EXCLUDED.api_file_name`,
		f.ID, f.OriginalName, f.StoredFilename, f.FileSize, string(f.APIState), f.Provider, f.APIFileName, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save file record: %w", err)
	}
	return nil
}

func (s *Store) UpdateFileAPIInfo(ctx context.Context, id string, state atlas.FileState, provider, apiFileName string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cur string
	err = tx.QueryRow(ctx, `SELECT api_state FROM files WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return &atlas.ErrNotFound{Kind: "file", ID: id}
	}
	if err != nil {
		return fmt.Errorf("read file state: %w", err)
	}
	from := atlas.FileState(cur)
	if !atlas.ValidFileTransition(from, state) {
		return fmt.Errorf("file %s: illegal transition %s -> %s", id, from, state)
	}
	if apiFileName != "" {
		_, err = tx.Exec(ctx,
			`UPDATE files SET api_state = $1, provider = $2, api_file_name = $3 WHERE id = $4`,
			string(state), provider, apiFileName, id)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE files SET api_state = $1, provider = $2 WHERE id = $3`,
			string(state), provider, id)
	}
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetFileRecord(ctx context.Context, id string) (atlas.FileReference, error) {
	var f atlas.FileReference
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT id, original_name, stored_filename, file_size, api_state, provider, api_file_name, created_at
		 FROM files WHERE id = $1`, id,
	).Scan(&f.ID, &f.OriginalName, &f.StoredFilename, &f.FileSize, &state, &f.Provider, &f.APIFileName, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return atlas.FileReference{}, &atlas.ErrNotFound{Kind: "file", ID: id}
	}
	if err != nil {
		return atlas.FileReference{}, fmt.Errorf("get file record: %w", err)
	}
	f.APIState = atlas.FileState(state)
	return f, nil
}

func (s *Store) GetMessageFiles(ctx context.Context, messageID string) ([]atlas.FileReference, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.id, f.original_name, f.stored_filename, f.file_size, f.api_state, f.provider, f.api_file_name, f.created_at
		 FROM files f JOIN message_files mf ON mf.file_id = f.id
		 WHERE mf.message_id = $1`, messageID)
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

func (s *Store) SetChatWorkspace(ctx context.Context, chatID, path string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coder_workspaces (chat_id, path) VALUES ($1, $2)
		 ON CONFLICT (chat_id) DO UPDATE SET path = EXCLUDED.path`,
		chatID, path)
	if err != nil {
		return fmt.Errorf("set chat workspace: %w", err)
	}
	return nil
}

func (s *Store) GetChatWorkspace(ctx context.Context, chatID string) (string, error) {
	var path string
	err := s.pool.QueryRow(ctx,
		`SELECT path FROM coder_workspaces WHERE chat_id = $1`, chatID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get chat workspace: %w", err)
	}
	return path, nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }

const messageColumns = `SELECT id, chat_id, position, role, content, thoughts, provider, model,
	router_enabled, router_decision, domain_execution, ts`

func scanMessage(rows pgx.Rows) (atlas.Message, error) {
	var m atlas.Message
	var decision, domain []byte
	err := rows.Scan(&m.ID, &m.ChatID, &m.Position, &m.Role, &m.Content, &m.Thoughts,
		&m.Provider, &m.Model, &m.RouterEnabled, &decision, &domain, &m.Timestamp)
	if err != nil {
		return atlas.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if decision != nil {
		m.RouterDecision = json.RawMessage(decision)
	}
	if domain != nil {
		m.DomainExecution = json.RawMessage(domain)
	}
	return m, nil
}

func collectChats(rows pgx.Rows) ([]atlas.Chat, error) {
	defer rows.Close()
	var out []atlas.Chat
	for rows.Next() {
		var c atlas.Chat
		var state string
		if err := rows.Scan(&c.ID, &c.Name, &c.SystemPrompt, &state, &c.CreatedAt, &c.IsVersion, &c.BelongsTo); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.State = atlas.ChatState(state)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) attachedFileIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT file_id FROM message_files WHERE message_id = $1`, messageID)
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
