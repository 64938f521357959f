package messagestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// SQLStore implements Store on top of database/sql, supporting both
// PostgreSQL (github.com/lib/pq) and SQLite (modernc.org/sqlite). The two
// backends share schema and query logic; only placeholder syntax and the
// open/migrate path differ.
type SQLStore struct {
	db     *sql.DB
	driver string // "postgres" or "sqlite"
}

// SQLConfig configures connection pooling for a SQL-backed store.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig mirrors the pool defaults used elsewhere in the stack.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
}

// NewPostgresStore opens a PostgreSQL-backed store from a DSN/URL and runs
// the schema migration.
func NewPostgresStore(ctx context.Context, dsn string, cfg *SQLConfig) (*SQLStore, error) {
	return open(ctx, "postgres", dsn, cfg)
}

// NewSQLiteStore opens a SQLite-backed store at path (or ":memory:") and
// runs the schema migration.
func NewSQLiteStore(ctx context.Context, path string, cfg *SQLConfig) (*SQLStore, error) {
	return open(ctx, "sqlite", path, cfg)
}

func open(ctx context.Context, driver, dsn string, cfg *SQLConfig) (*SQLStore, error) {
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// placeholder returns the driver-appropriate bind placeholder for the nth
// (1-indexed) argument.
func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	autoIncrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	jsonType := "TEXT"
	if s.driver == "postgres" {
		autoIncrement = "BIGSERIAL PRIMARY KEY"
		jsonType = "JSONB"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			seq %s,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			parts %s,
			is_llm_message BOOLEAN NOT NULL DEFAULT FALSE,
			metadata %s,
			created_at TIMESTAMP NOT NULL
		)`, autoIncrement, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	now := time.Now()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := fmt.Sprintf(`INSERT INTO threads (id, project_id, account_id, created_at, updated_at) VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	if _, err := s.db.ExecContext(ctx, q, thread.ID, thread.ProjectID, thread.AccountID, thread.CreatedAt, thread.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return thread, nil
}

func (s *SQLStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	q := fmt.Sprintf(`SELECT id, project_id, account_id, created_at, updated_at FROM threads WHERE id = %s`, s.placeholder(1))
	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, q, threadID).Scan(&thread.ID, &thread.ProjectID, &thread.AccountID, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	return thread, nil
}

func (s *SQLStore) threadExists(ctx context.Context, tx *sql.Tx, threadID string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM threads WHERE id = %s`, s.placeholder(1))
	var one int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, q, threadID).Scan(&one)
	} else {
		err = s.db.QueryRowContext(ctx, q, threadID).Scan(&one)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	ok, err := s.threadExists(ctx, nil, threadID)
	if err != nil {
		return nil, fmt.Errorf("check thread: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	clone := *msg
	clone.ThreadID = threadID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	partsJSON, err := json.Marshal(clone.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}
	metaJSON, err := json.Marshal(clone.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO messages (id, thread_id, type, content, parts, is_llm_message, metadata, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8))
	res, err := s.db.ExecContext(ctx, q, clone.ID, clone.ThreadID, string(clone.Type), clone.Content, partsJSON, clone.IsLLMMessage, metaJSON, clone.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	seq, err := s.resolveSeq(ctx, res, clone.ID)
	if err != nil {
		return nil, err
	}
	clone.Seq = seq
	return &clone, nil
}

// resolveSeq recovers the row's assigned sequence number. SQLite exposes it
// via LastInsertId; Postgres requires a follow-up lookup since BIGSERIAL
// isn't surfaced through database/sql's generic result.
func (s *SQLStore) resolveSeq(ctx context.Context, res sql.Result, messageID string) (int64, error) {
	if s.driver == "sqlite" {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("last insert id: %w", err)
		}
		return id, nil
	}
	q := fmt.Sprintf(`SELECT seq FROM messages WHERE id = %s`, s.placeholder(1))
	var seq int64
	if err := s.db.QueryRowContext(ctx, q, messageID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("resolve seq: %w", err)
	}
	return seq, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	ok, err := s.threadExists(ctx, nil, threadID)
	if err != nil {
		return nil, fmt.Errorf("check thread: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	q := fmt.Sprintf(`SELECT id, thread_id, type, content, parts, is_llm_message, metadata, created_at, seq
		FROM messages WHERE thread_id = %s ORDER BY created_at ASC, seq ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	m := &models.Message{}
	var msgType string
	var partsJSON, metaJSON []byte
	if err := rows.Scan(&m.ID, &m.ThreadID, &msgType, &m.Content, &partsJSON, &m.IsLLMMessage, &metaJSON, &m.CreatedAt, &m.Seq); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = models.MessageType(msgType)
	if len(partsJSON) > 0 && string(partsJSON) != "null" {
		if err := json.Unmarshal(partsJSON, &m.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
	}
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return m, nil
}

func (s *SQLStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	all, err := s.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return filterLLMMessages(all), nil
}

func (s *SQLStore) DeleteMessagesByType(ctx context.Context, threadID string, msgType models.MessageType) (int, error) {
	ok, err := s.threadExists(ctx, nil, threadID)
	if err != nil {
		return 0, fmt.Errorf("check thread: %w", err)
	}
	if !ok {
		return 0, ErrNotFound
	}

	q := fmt.Sprintf(`DELETE FROM messages WHERE thread_id = %s AND type = %s`, s.placeholder(1), s.placeholder(2))
	res, err := s.db.ExecContext(ctx, q, threadID, string(msgType))
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	ok, err := s.threadExists(ctx, nil, run.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("check thread: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	clone := *run
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Status = models.RunPending
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now

	q := fmt.Sprintf(`INSERT INTO agent_runs (id, thread_id, status, error, model, user_id, started_at, completed_at, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10))
	_, err = s.db.ExecContext(ctx, q, clone.ID, clone.ThreadID, string(clone.Status), clone.Error, clone.Model,
		clone.UserID, nullTime(clone.StartedAt), clone.CompletedAt, clone.CreatedAt, clone.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &clone, nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	q := fmt.Sprintf(`SELECT id, thread_id, status, error, model, user_id, started_at, completed_at, created_at, updated_at
		FROM agent_runs WHERE id = %s`, s.placeholder(1))
	run := &models.AgentRun{}
	var status string
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, runID).Scan(&run.ID, &run.ThreadID, &status, &run.Error, &run.Model,
		&run.UserID, &startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

func (s *SQLStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, completedAt *time.Time) error {
	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return ErrConflict
	}

	// The update only applies while the row still has the status the
	// transition was checked against, so a concurrent writer cannot slip a
	// non-monotonic change in between the read and the write.
	q := fmt.Sprintf(`UPDATE agent_runs SET status = %s, error = %s, completed_at = %s, updated_at = %s WHERE id = %s AND status = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	res, err := s.db.ExecContext(ctx, q, string(status), errMsg, completedAt, time.Now(), runID, string(current.Status))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
