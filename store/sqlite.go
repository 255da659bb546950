package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dipeo/dipeo-go/envelope"
	"github.com/dipeo/dipeo-go/state"
)

// SQLitePersistence is the embedded durable backend. It is the default in
// single-process deployments: no server, one file, WAL journaling for
// concurrent readers.
type SQLitePersistence struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLitePersistence opens (creating if needed) the database at path and
// ensures the schema. Use ":memory:" for an ephemeral database.
func NewSQLitePersistence(path string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	p := &SQLitePersistence{db: db}
	if err := p.init(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersistence) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := p.db.Exec(pragma); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		execution_id   TEXT PRIMARY KEY,
		diagram_id     TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		started_at     TEXT NOT NULL,
		ended_at       TEXT,
		node_states    TEXT NOT NULL,
		node_outputs   TEXT NOT NULL,
		exec_counts    TEXT NOT NULL,
		executed_nodes TEXT NOT NULL,
		variables      TEXT NOT NULL,
		llm_usage      TEXT NOT NULL,
		error          TEXT NOT NULL DEFAULT '',
		last_seq       INTEGER NOT NULL DEFAULT 0,
		access_count   INTEGER NOT NULL DEFAULT 0,
		last_accessed  TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
	CREATE INDEX IF NOT EXISTS idx_executions_diagram ON executions(diagram_id);
	CREATE INDEX IF NOT EXISTS idx_executions_access ON executions(access_count DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_last_accessed ON executions(last_accessed DESC);

	CREATE TABLE IF NOT EXISTS transitions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		node_id      TEXT NOT NULL DEFAULT '',
		phase        TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		payload      TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		UNIQUE(execution_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_execution ON transitions(execution_id, seq);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// stateColumns marshals the JSON-typed columns of an execution row.
func stateColumns(st *state.ExecutionState) (nodeStates, nodeOutputs, execCounts, executedNodes, variables, llmUsage []byte, err error) {
	if nodeStates, err = json.Marshal(st.NodeStates); err != nil {
		return
	}
	if nodeOutputs, err = json.Marshal(st.NodeOutputs); err != nil {
		return
	}
	if execCounts, err = json.Marshal(st.ExecCounts); err != nil {
		return
	}
	if executedNodes, err = json.Marshal(st.ExecutedNodes); err != nil {
		return
	}
	if variables, err = json.Marshal(st.Variables); err != nil {
		return
	}
	llmUsage, err = json.Marshal(st.LLMUsage)
	return
}

// SaveState upserts the execution row in one statement. With sync set, the
// WAL is checkpointed before returning so the write survives a crash of
// the whole process tree.
func (p *SQLitePersistence) SaveState(ctx context.Context, st *state.ExecutionState, sync bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("persistence closed")
	}

	nodeStates, nodeOutputs, execCounts, executedNodes, variables, llmUsage, err := stateColumns(st)
	if err != nil {
		return fmt.Errorf("marshal state columns: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var endedAt any
	if st.EndedAt != nil {
		endedAt = st.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, diagram_id, status, started_at, ended_at,
			node_states, node_outputs, exec_counts, executed_nodes,
			variables, llm_usage, error, last_seq, last_accessed, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			node_states = excluded.node_states,
			node_outputs = excluded.node_outputs,
			exec_counts = excluded.exec_counts,
			executed_nodes = excluded.executed_nodes,
			variables = excluded.variables,
			llm_usage = excluded.llm_usage,
			error = excluded.error,
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
	`, st.ExecutionID, st.DiagramID, string(st.Status),
		st.StartedAt.UTC().Format(time.RFC3339Nano), endedAt,
		string(nodeStates), string(nodeOutputs), string(execCounts),
		string(executedNodes), string(variables), string(llmUsage),
		st.Error, st.LastSeq, now, now)
	if err != nil {
		return fmt.Errorf("save execution state: %w", err)
	}

	if sync {
		if _, err := p.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("checkpoint wal: %w", err)
		}
	}
	return nil
}

// LoadState reads one execution row and reconstructs the state.
func (p *SQLitePersistence) LoadState(ctx context.Context, executionID string) (*state.ExecutionState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT execution_id, diagram_id, status, started_at, ended_at,
		       node_states, node_outputs, exec_counts, executed_nodes,
		       variables, llm_usage, error, last_seq
		FROM executions WHERE execution_id = ?
	`, executionID)
	st, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*state.ExecutionState, error) {
	var (
		st                           state.ExecutionState
		status, startedAt            string
		endedAt                      sql.NullString
		nodeStates, nodeOutputs      string
		execCounts, executedNodes    string
		variables, llmUsage          string
	)
	err := row.Scan(&st.ExecutionID, &st.DiagramID, &status, &startedAt, &endedAt,
		&nodeStates, &nodeOutputs, &execCounts, &executedNodes,
		&variables, &llmUsage, &st.Error, &st.LastSeq)
	if err != nil {
		return nil, err
	}

	st.Status = state.Status(status)
	if st.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		st.EndedAt = &t
	}

	columns := []struct {
		data string
		dst  any
	}{
		{nodeStates, &st.NodeStates},
		{nodeOutputs, &st.NodeOutputs},
		{execCounts, &st.ExecCounts},
		{executedNodes, &st.ExecutedNodes},
		{variables, &st.Variables},
		{llmUsage, &st.LLMUsage},
	}
	for _, c := range columns {
		if err := json.Unmarshal([]byte(c.data), c.dst); err != nil {
			return nil, fmt.Errorf("unmarshal state column: %w", err)
		}
	}
	if st.NodeStates == nil {
		st.NodeStates = make(map[string]*state.NodeState)
	}
	if st.NodeOutputs == nil {
		st.NodeOutputs = make(map[string]*envelope.Envelope)
	}
	if st.ExecCounts == nil {
		st.ExecCounts = make(map[string]int)
	}
	return &st, nil
}

// RecordTransition inserts the transition, reporting applied=false on a
// duplicate (execution_id, seq).
func (p *SQLitePersistence) RecordTransition(ctx context.Context, t Transition) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, errors.New("persistence closed")
	}

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO transitions (execution_id, node_id, phase, seq, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ExecutionID, t.NodeID, t.Phase, t.Seq, string(t.Payload),
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("record transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListExecutions returns matching executions ordered by start time
// descending.
func (p *SQLitePersistence) ListExecutions(ctx context.Context, f Filter) ([]*state.ExecutionState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT execution_id, diagram_id, status, started_at, ended_at,
		       node_states, node_outputs, exec_counts, executed_nodes,
		       variables, llm_usage, error, last_seq
		FROM executions WHERE 1=1`)
	var args []any
	if f.DiagramID != "" {
		query.WriteString(" AND diagram_id = ?")
		args = append(args, f.DiagramID)
	}
	if f.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if !f.StartedAfter.IsZero() {
		query.WriteString(" AND started_at >= ?")
		args = append(args, f.StartedAfter.UTC().Format(time.RFC3339Nano))
	}
	if !f.StartedBefore.IsZero() {
		query.WriteString(" AND started_at < ?")
		args = append(args, f.StartedBefore.UTC().Format(time.RFC3339Nano))
	}
	query.WriteString(" ORDER BY started_at DESC")
	if f.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	}

	rows, err := p.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*state.ExecutionState
	for rows.Next() {
		st, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordAccess writes the access bookkeeping used for warm cache selection.
func (p *SQLitePersistence) RecordAccess(ctx context.Context, executionID string, accessCount int64, lastAccess time.Time) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("persistence closed")
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE executions SET access_count = ?, last_accessed = ?
		WHERE execution_id = ?
	`, accessCount, lastAccess.UTC().Format(time.RFC3339Nano), executionID)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// TopAccessed returns up to n execution IDs by access count descending.
func (p *SQLitePersistence) TopAccessed(ctx context.Context, n int) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errors.New("persistence closed")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT execution_id FROM executions
		ORDER BY access_count DESC, last_accessed DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("top accessed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (p *SQLitePersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
