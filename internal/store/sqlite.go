package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store is the persistence gateway consumed by the chat core.
type Store interface {
	CreateThread(ctx context.Context, userID string, title *string) (*Thread, error)
	GetThread(ctx context.Context, userID, threadID string) (*Thread, error)
	FirstThread(ctx context.Context, userID string) (*Thread, error)
	ListThreads(ctx context.Context, userID string) ([]Thread, error)
	UpdateThreadTitle(ctx context.Context, userID, threadID, title string) error
	UpdateLastDiagnosis(ctx context.Context, userID, threadID string, d Diagnosis) error
	GetMemory(ctx context.Context, userID, threadID string) (Memory, error)
	SaveMemory(ctx context.Context, userID, threadID string, m Memory) error

	AppendMessage(ctx context.Context, msg *Message) error
	LastMessages(ctx context.Context, threadID string, n int) ([]Message, error)
	CountMessages(ctx context.Context, threadID string, role Role) (int, error)

	GetPlantDisease(ctx context.Context, userID, plantID string) (*PlantDisease, error)
	RecordPlantDisease(ctx context.Context, userID, plantID string, d Diagnosis) error

	Close() error
}

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized and the foreign_keys pragma in effect.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS threads (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT,
        created_at DATETIME NOT NULL,
        last_diagnosis TEXT, -- JSON Diagnosis
        memory TEXT NOT NULL DEFAULT '{}' -- JSON Memory
    );
    CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id, created_at);

    CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        thread_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'systemEvent')),
        content TEXT NOT NULL, -- JSON string or diagnosis object
        notes TEXT,
        meta TEXT,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (thread_id) REFERENCES threads (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, seq);

    CREATE TABLE IF NOT EXISTS plant_diseases (
        user_id TEXT NOT NULL,
        plant_id TEXT NOT NULL,
        current TEXT NOT NULL, -- JSON Diagnosis
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (user_id, plant_id)
    );

    CREATE TABLE IF NOT EXISTS plant_disease_history (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT NOT NULL,
        plant_id TEXT NOT NULL,
        at_key TEXT NOT NULL,
        diagnosis TEXT NOT NULL,
        UNIQUE (user_id, plant_id, at_key)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Thread methods

const threadColumns = "id, user_id, title, created_at, last_diagnosis, memory"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var title, lastDiag sql.NullString
	var memory string
	if err := row.Scan(&t.ID, &t.UserID, &title, &t.CreatedAt, &lastDiag, &memory); err != nil {
		return nil, err
	}
	if title.Valid {
		t.Title = &title.String
	}
	if lastDiag.Valid && lastDiag.String != "" {
		var d Diagnosis
		if err := json.Unmarshal([]byte(lastDiag.String), &d); err != nil {
			return nil, fmt.Errorf("failed to decode last diagnosis: %w", err)
		}
		t.LastDiagnosis = &d
	}
	if memory != "" {
		if err := json.Unmarshal([]byte(memory), &t.Memory); err != nil {
			return nil, fmt.Errorf("failed to decode memory: %w", err)
		}
	}
	return &t, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, userID string, title *string) (*Thread, error) {
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO threads (id, user_id, title, created_at, memory) VALUES (?, ?, ?, ?, '{}')")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare thread insert: %w", err)
	}
	defer stmt.Close()

	t := &Thread{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: time.Now().UTC()}
	if _, err = stmt.ExecContext(ctx, t.ID, t.UserID, title, t.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute thread insert: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE id = ? AND user_id = ?", threadID, userID)
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// FirstThread returns the user's oldest thread.
func (s *SQLiteStore) FirstThread(ctx context.Context, userID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE user_id = ? ORDER BY created_at ASC, rowid ASC LIMIT 1", userID)
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get first thread: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE user_id = ? ORDER BY created_at DESC, rowid DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

func (s *SQLiteStore) UpdateThreadTitle(ctx context.Context, userID, threadID, title string) error {
	return s.updateThreadColumn(ctx, "title", title, userID, threadID)
}

func (s *SQLiteStore) UpdateLastDiagnosis(ctx context.Context, userID, threadID string, d Diagnosis) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnosis: %w", err)
	}
	return s.updateThreadColumn(ctx, "last_diagnosis", string(b), userID, threadID)
}

func (s *SQLiteStore) GetMemory(ctx context.Context, userID, threadID string) (Memory, error) {
	t, err := s.GetThread(ctx, userID, threadID)
	if err != nil {
		return Memory{}, err
	}
	return t.Memory, nil
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, userID, threadID string, m Memory) error {
	if m.Facts == nil {
		m.Facts = []string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	return s.updateThreadColumn(ctx, "memory", string(b), userID, threadID)
}

// updateThreadColumn merge-updates a single column; column is never user input.
func (s *SQLiteStore) updateThreadColumn(ctx context.Context, column string, value any, userID, threadID string) error {
	stmt, err := s.db.PrepareContext(ctx, "UPDATE threads SET "+column+" = ? WHERE id = ? AND user_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare thread %s update: %w", column, err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, value, threadID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute thread %s update: %w", column, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}
	notes, err := marshalNullable(msg.Notes, len(msg.Notes) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal message notes: %w", err)
	}
	meta, err := marshalNullable(msg.Meta, len(msg.Meta) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal message meta: %w", err)
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO messages (id, thread_id, role, content, notes, meta, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, msg.ID, msg.ThreadID, string(msg.Role), string(content), notes, meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	msg.Seq, _ = res.LastInsertId()
	return nil
}

// LastMessages returns the newest n messages of a thread in chronological order.
func (s *SQLiteStore) LastMessages(ctx context.Context, threadID string, n int) ([]Message, error) {
	query := `
        SELECT seq, id, thread_id, role, content, notes, meta, created_at
        FROM messages
        WHERE thread_id = ?
        ORDER BY seq DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, query, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var role, content string
		var notes, meta sql.NullString
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ThreadID, &role, &content, &notes, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", msg.ID, err)
		}
		if notes.Valid {
			if err := json.Unmarshal([]byte(notes.String), &msg.Notes); err != nil {
				return nil, fmt.Errorf("failed to decode notes of message %s: %w", msg.ID, err)
			}
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &msg.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode meta of message %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages counts a thread's messages with the given role, or all of
// them when role is empty.
func (s *SQLiteStore) CountMessages(ctx context.Context, threadID string, role Role) (int, error) {
	query, args := "SELECT COUNT(*) FROM messages WHERE thread_id = ?", []any{threadID}
	if role != "" {
		query += " AND role = ?"
		args = append(args, string(role))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// Plant disease methods

func (s *SQLiteStore) GetPlantDisease(ctx context.Context, userID, plantID string) (*PlantDisease, error) {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT current FROM plant_diseases WHERE user_id = ? AND plant_id = ?", userID, plantID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plant disease: %w", err)
	}

	pd := &PlantDisease{PlantID: plantID, UserID: userID, History: map[string]Diagnosis{}}
	if err := json.Unmarshal([]byte(current), &pd.Current); err != nil {
		return nil, fmt.Errorf("failed to decode plant disease: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT at_key, diagnosis FROM plant_disease_history WHERE user_id = ? AND plant_id = ? ORDER BY id", userID, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plant disease history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan plant disease history row: %w", err)
		}
		var d Diagnosis
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to decode plant disease history entry %s: %w", key, err)
		}
		pd.History[key] = d
	}
	return pd, rows.Err()
}

// RecordPlantDisease replaces the plant snapshot and appends a history entry
// keyed by the diagnosis time.
func (s *SQLiteStore) RecordPlantDisease(ctx context.Context, userID, plantID string, d Diagnosis) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	d.At = d.At.UTC()
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal plant diagnosis: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin plant disease tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO plant_diseases (user_id, plant_id, current, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (user_id, plant_id) DO UPDATE SET current = excluded.current, updated_at = excluded.updated_at
    `, userID, plantID, string(b), d.At)
	if err != nil {
		return fmt.Errorf("failed to upsert plant disease: %w", err)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO plant_disease_history (user_id, plant_id, at_key, diagnosis) VALUES (?, ?, ?, ?)",
		userID, plantID, d.At.Format(time.RFC3339Nano), string(b))
	if err != nil {
		return fmt.Errorf("failed to append plant disease history: %w", err)
	}
	return tx.Commit()
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
