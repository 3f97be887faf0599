package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

const timeLayout = time.RFC3339Nano

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite creates or opens the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS expressions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		labels_json TEXT,
		revision INTEGER NOT NULL,
		create_time TEXT NOT NULL,
		update_time TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		expression_id TEXT NOT NULL REFERENCES expressions(id) ON DELETE CASCADE,
		state TEXT NOT NULL,
		bindings_json TEXT NOT NULL,
		result REAL,
		error_tag TEXT,
		error_message TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		revision_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_expression ON evaluations(expression_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExpression creates a new expression definition.
func (s *SQLite) CreateExpression(ctx context.Context, id, source, description string, labels map[string]string) (*Expression, error) {
	if err := CheckID(id); err != nil {
		return nil, err
	}
	labelsJSON, err := marshalLabels(labels)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO expressions (id, source, description, labels_json, revision, create_time, update_time)
		 VALUES (?, ?, ?, ?, 1, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, source, description, labelsJSON, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to insert expression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("expression '%s' %w", ExpressionName(id), ErrAlreadyExists)
	}

	return &Expression{
		ID:          id,
		Name:        ExpressionName(id),
		Source:      source,
		Description: description,
		Labels:      cloneLabels(labels),
		RevisionID:  revisionID(1),
		CreateTime:  now,
		UpdateTime:  now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpression(row rowScanner) (*Expression, int64, error) {
	var (
		e                      Expression
		labelsJSON             sql.NullString
		revision               int64
		createTime, updateTime string
	)
	if err := row.Scan(&e.ID, &e.Source, &e.Description, &labelsJSON, &revision, &createTime, &updateTime); err != nil {
		return nil, 0, err
	}
	e.Name = ExpressionName(e.ID)
	e.RevisionID = revisionID(revision)
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &e.Labels); err != nil {
			return nil, 0, fmt.Errorf("corrupt labels for %s: %w", e.Name, err)
		}
	}
	var err error
	if e.CreateTime, err = time.Parse(timeLayout, createTime); err != nil {
		return nil, 0, err
	}
	if e.UpdateTime, err = time.Parse(timeLayout, updateTime); err != nil {
		return nil, 0, err
	}
	return &e, revision, nil
}

const expressionColumns = `id, source, description, labels_json, revision, create_time, update_time`

// GetExpression retrieves an expression by ID.
func (s *SQLite) GetExpression(ctx context.Context, id string) (*Expression, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expressionColumns+` FROM expressions WHERE id = ?`, id)
	e, _, err := scanExpression(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("expression", ExpressionName(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read expression: %w", err)
	}
	return e, nil
}

// ListExpressions returns all expressions ordered by ID.
func (s *SQLite) ListExpressions(ctx context.Context) ([]*Expression, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+expressionColumns+` FROM expressions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expressions: %w", err)
	}
	defer rows.Close()

	result := []*Expression{}
	for rows.Next() {
		e, _, err := scanExpression(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// UpdateExpression applies upd. A changed source starts a new revision.
func (s *SQLite) UpdateExpression(ctx context.Context, id string, upd ExpressionUpdate) (*Expression, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+expressionColumns+` FROM expressions WHERE id = ?`, id)
	e, revision, err := scanExpression(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("expression", ExpressionName(id))
	}
	if err != nil {
		return nil, err
	}

	if upd.Source != nil && *upd.Source != e.Source {
		revision++
		e.Source = *upd.Source
		e.RevisionID = revisionID(revision)
	}
	if upd.Description != nil {
		e.Description = *upd.Description
	}
	if upd.Labels != nil {
		e.Labels = cloneLabels(upd.Labels)
	}
	e.UpdateTime = time.Now().UTC()

	labelsJSON, err := marshalLabels(e.Labels)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE expressions SET source = ?, description = ?, labels_json = ?, revision = ?, update_time = ? WHERE id = ?`,
		e.Source, e.Description, labelsJSON, revision, e.UpdateTime.Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update expression: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteExpression removes an expression and its evaluations.
func (s *SQLite) DeleteExpression(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expressions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete expression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("expression", ExpressionName(id))
	}
	return nil
}

// RecordEvaluation stores an evaluation record.
func (s *SQLite) RecordEvaluation(ctx context.Context, id string, ev *Evaluation) (*Evaluation, error) {
	e, err := s.GetExpression(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := ev.clone()
	rec.ID = uuid.NewString()
	rec.Name = EvaluationName(id, rec.ID)
	rec.ExpressionRevisionID = e.RevisionID

	bindingsJSON, err := json.Marshal(rec.Bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bindings: %w", err)
	}
	var result sql.NullFloat64
	if rec.Result != nil {
		result = sql.NullFloat64{Float64: *rec.Result, Valid: true}
	}
	var errTag, errMsg sql.NullString
	if rec.Error != nil {
		errTag = sql.NullString{String: rec.Error.Tag, Valid: true}
		errMsg = sql.NullString{String: rec.Error.Message, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, expression_id, state, bindings_json, result, error_tag, error_message, start_time, end_time, revision_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, id, string(rec.State), string(bindingsJSON), result, errTag, errMsg,
		rec.StartTime.UTC().Format(timeLayout), rec.EndTime.UTC().Format(timeLayout), rec.ExpressionRevisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return rec, nil
}

const evaluationColumns = `id, expression_id, state, bindings_json, result, error_tag, error_message, start_time, end_time, revision_id`

func scanEvaluation(row rowScanner) (*Evaluation, error) {
	var (
		ev                 Evaluation
		exprID, state      string
		bindingsJSON       string
		result             sql.NullFloat64
		errTag, errMsg     sql.NullString
		startTime, endTime string
	)
	if err := row.Scan(&ev.ID, &exprID, &state, &bindingsJSON, &result, &errTag, &errMsg,
		&startTime, &endTime, &ev.ExpressionRevisionID); err != nil {
		return nil, err
	}
	ev.Name = EvaluationName(exprID, ev.ID)
	ev.State = EvaluationState(state)
	ev.Bindings = types.Bindings{}
	if err := json.Unmarshal([]byte(bindingsJSON), &ev.Bindings); err != nil {
		return nil, fmt.Errorf("corrupt bindings for %s: %w", ev.Name, err)
	}
	if result.Valid {
		v := result.Float64
		ev.Result = &v
	}
	if errMsg.Valid {
		ev.Error = &EvaluationError{Tag: errTag.String, Message: errMsg.String}
	}
	var err error
	if ev.StartTime, err = time.Parse(timeLayout, startTime); err != nil {
		return nil, err
	}
	if ev.EndTime, err = time.Parse(timeLayout, endTime); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvaluation retrieves one evaluation of an expression.
func (s *SQLite) GetEvaluation(ctx context.Context, id, evaluationID string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE expression_id = ? AND id = ?`, id, evaluationID)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evaluation", EvaluationName(id, evaluationID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation: %w", err)
	}
	return ev, nil
}

// ListEvaluations returns the evaluations of an expression in the order
// they were recorded.
func (s *SQLite) ListEvaluations(ctx context.Context, id string) ([]*Evaluation, error) {
	if _, err := s.GetExpression(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE expression_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	result := []*Evaluation{}
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func marshalLabels(labels map[string]string) (sql.NullString, error) {
	if len(labels) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode labels: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
