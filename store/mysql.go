package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dipeo/dipeo-go/state"
)

// MySQLPersistence is the durable backend for multi-process deployments
// sharing a database server. Semantics match SQLitePersistence; only the
// dialect differs.
type MySQLPersistence struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLPersistence connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/dipeo?parseTime=true", verifies the
// connection, and ensures the schema.
func NewMySQLPersistence(dsn string) (*MySQLPersistence, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	p := &MySQLPersistence{db: db}
	if err := p.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *MySQLPersistence) init(ctx context.Context) error {
	statements := []string{`
		CREATE TABLE IF NOT EXISTS executions (
			execution_id   VARCHAR(191) PRIMARY KEY,
			diagram_id     VARCHAR(191) NOT NULL DEFAULT '',
			status         VARCHAR(32) NOT NULL,
			started_at     VARCHAR(64) NOT NULL,
			ended_at       VARCHAR(64),
			node_states    JSON NOT NULL,
			node_outputs   JSON NOT NULL,
			exec_counts    JSON NOT NULL,
			executed_nodes JSON NOT NULL,
			variables      JSON NOT NULL,
			llm_usage      JSON NOT NULL,
			error          TEXT NOT NULL,
			last_seq       BIGINT NOT NULL DEFAULT 0,
			access_count   BIGINT NOT NULL DEFAULT 0,
			last_accessed  VARCHAR(64) NOT NULL,
			updated_at     VARCHAR(64) NOT NULL,
			INDEX idx_executions_status (status),
			INDEX idx_executions_started (started_at),
			INDEX idx_executions_diagram (diagram_id),
			INDEX idx_executions_access (access_count DESC),
			INDEX idx_executions_last_accessed (last_accessed DESC)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, `
		CREATE TABLE IF NOT EXISTS transitions (
			id           BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(191) NOT NULL,
			node_id      VARCHAR(191) NOT NULL DEFAULT '',
			phase        VARCHAR(64) NOT NULL,
			seq          BIGINT NOT NULL,
			payload      JSON NOT NULL,
			created_at   VARCHAR(64) NOT NULL,
			UNIQUE KEY uq_transitions_execution_seq (execution_id, seq),
			INDEX idx_transitions_execution (execution_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// SaveState upserts the execution row. InnoDB commits are durable on
// return, so the sync flag carries no extra work here.
func (p *MySQLPersistence) SaveState(ctx context.Context, st *state.ExecutionState, _ bool) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			ended_at = VALUES(ended_at),
			node_states = VALUES(node_states),
			node_outputs = VALUES(node_outputs),
			exec_counts = VALUES(exec_counts),
			executed_nodes = VALUES(executed_nodes),
			variables = VALUES(variables),
			llm_usage = VALUES(llm_usage),
			error = VALUES(error),
			last_seq = VALUES(last_seq),
			updated_at = VALUES(updated_at)
	`, st.ExecutionID, st.DiagramID, string(st.Status),
		st.StartedAt.UTC().Format(time.RFC3339Nano), endedAt,
		string(nodeStates), string(nodeOutputs), string(execCounts),
		string(executedNodes), string(variables), string(llmUsage),
		st.Error, st.LastSeq, now, now)
	if err != nil {
		return fmt.Errorf("save execution state: %w", err)
	}
	return nil
}

// LoadState reads one execution row.
func (p *MySQLPersistence) LoadState(ctx context.Context, executionID string) (*state.ExecutionState, error) {
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

// RecordTransition inserts the transition; a duplicate (execution_id, seq)
// reports applied=false.
func (p *MySQLPersistence) RecordTransition(ctx context.Context, t Transition) (bool, error) {
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
		INSERT IGNORE INTO transitions (execution_id, node_id, phase, seq, payload, created_at)
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
func (p *MySQLPersistence) ListExecutions(ctx context.Context, f Filter) ([]*state.ExecutionState, error) {
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
func (p *MySQLPersistence) RecordAccess(ctx context.Context, executionID string, accessCount int64, lastAccess time.Time) error {
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
func (p *MySQLPersistence) TopAccessed(ctx context.Context, n int) ([]string, error) {
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

// Close closes the connection pool.
func (p *MySQLPersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
