// Package store persists named expressions and the record of their
// evaluations. Two backends are provided: an in-memory store and a SQLite
// database.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

var (
	// ErrNotFound is returned when an expression or evaluation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating an expression whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidID is returned for expression IDs that do not match ValidID.
	ErrInvalidID = errors.New("invalid expression id")
)

// ValidID matches accepted expression IDs.
var ValidID = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// MaxIDLength bounds expression IDs.
const MaxIDLength = 128

// CheckID validates an expression ID.
func CheckID(id string) error {
	if !ValidID.MatchString(id) || len(id) > MaxIDLength {
		return fmt.Errorf("%w: %q must match %s and be at most %d characters", ErrInvalidID, id, ValidID, MaxIDLength)
	}
	return nil
}

// EvaluationState represents the outcome of an evaluation.
type EvaluationState string

const (
	EvaluationSucceeded EvaluationState = "SUCCEEDED"
	EvaluationFailed    EvaluationState = "FAILED"
)

// Expression is a stored expression definition.
type Expression struct {
	ID          string            `json:"-"`
	Name        string            `json:"name"`
	Source      string            `json:"source"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	RevisionID  string            `json:"revisionId"`
	CreateTime  time.Time         `json:"createTime"`
	UpdateTime  time.Time         `json:"updateTime"`
}

// ExpressionUpdate holds the fields to change; nil fields are left as is.
type ExpressionUpdate struct {
	Source      *string
	Description *string
	Labels      map[string]string
}

// Evaluation is the stored outcome of evaluating an expression once.
type Evaluation struct {
	ID                   string           `json:"-"`
	Name                 string           `json:"name"`
	State                EvaluationState  `json:"state"`
	Bindings             types.Bindings   `json:"bindings"`
	Result               *float64         `json:"result,omitempty"`
	Error                *EvaluationError `json:"error,omitempty"`
	StartTime            time.Time        `json:"startTime"`
	EndTime              time.Time        `json:"endTime"`
	ExpressionRevisionID string           `json:"expressionRevisionId"`
}

// EvaluationError records why an evaluation failed.
type EvaluationError struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// NewEvaluation builds an unsaved evaluation record from an evaluation outcome.
func NewEvaluation(bindings types.Bindings, value float64, err error, start, end time.Time) *Evaluation {
	ev := &Evaluation{
		Bindings:  bindings.Clone(),
		StartTime: start,
		EndTime:   end,
	}
	if err != nil {
		ev.State = EvaluationFailed
		ev.Error = &EvaluationError{Message: err.Error()}
		var ee *types.EvalError
		if errors.As(err, &ee) {
			ev.Error.Tag = ee.Tag()
			ev.Error.Message = ee.Message
		}
		return ev
	}
	ev.State = EvaluationSucceeded
	ev.Result = &value
	return ev
}

// Store is implemented by every backend. Implementations are safe for
// concurrent use and return copies that callers may modify.
type Store interface {
	CreateExpression(ctx context.Context, id, source, description string, labels map[string]string) (*Expression, error)
	GetExpression(ctx context.Context, id string) (*Expression, error)
	ListExpressions(ctx context.Context) ([]*Expression, error)
	UpdateExpression(ctx context.Context, id string, upd ExpressionUpdate) (*Expression, error)
	DeleteExpression(ctx context.Context, id string) error

	// RecordEvaluation stores ev under expression id, assigning its ID, Name
	// and ExpressionRevisionID.
	RecordEvaluation(ctx context.Context, id string, ev *Evaluation) (*Evaluation, error)
	GetEvaluation(ctx context.Context, id, evaluationID string) (*Evaluation, error)
	ListEvaluations(ctx context.Context, id string) ([]*Evaluation, error)

	Close() error
}

// ExpressionName returns the resource name of an expression.
func ExpressionName(id string) string {
	return "expressions/" + id
}

// EvaluationName returns the resource name of an evaluation.
func EvaluationName(id, evaluationID string) string {
	return fmt.Sprintf("expressions/%s/evaluations/%s", id, evaluationID)
}

func revisionID(rev int64) string {
	return fmt.Sprintf("%06d-000", rev)
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s '%s' %w", kind, name, ErrNotFound)
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}

func (e *Expression) clone() *Expression {
	c := *e
	c.Labels = cloneLabels(e.Labels)
	return &c
}

func (ev *Evaluation) clone() *Evaluation {
	c := *ev
	c.Bindings = ev.Bindings.Clone()
	if ev.Result != nil {
		v := *ev.Result
		c.Result = &v
	}
	if ev.Error != nil {
		e := *ev.Error
		c.Error = &e
	}
	return &c
}
