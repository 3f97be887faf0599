package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memExpression struct {
	expr        *Expression
	revision    int64
	evaluations []*Evaluation
}

// Memory is a thread-safe in-memory Store.
type Memory struct {
	mu          sync.RWMutex
	expressions map[string]*memExpression
}

// NewMemory creates a new empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		expressions: make(map[string]*memExpression),
	}
}

// CreateExpression creates a new expression definition.
func (s *Memory) CreateExpression(_ context.Context, id, source, description string, labels map[string]string) (*Expression, error) {
	if err := CheckID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := ExpressionName(id)
	if _, exists := s.expressions[id]; exists {
		return nil, fmt.Errorf("expression '%s' %w", name, ErrAlreadyExists)
	}

	now := time.Now().UTC()
	e := &Expression{
		ID:          id,
		Name:        name,
		Source:      source,
		Description: description,
		Labels:      cloneLabels(labels),
		RevisionID:  revisionID(1),
		CreateTime:  now,
		UpdateTime:  now,
	}
	s.expressions[id] = &memExpression{expr: e, revision: 1}
	return e.clone(), nil
}

// GetExpression retrieves an expression by ID.
func (s *Memory) GetExpression(_ context.Context, id string) (*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.expressions[id]
	if !ok {
		return nil, notFound("expression", ExpressionName(id))
	}
	return m.expr.clone(), nil
}

// ListExpressions returns all expressions ordered by ID.
func (s *Memory) ListExpressions(_ context.Context) ([]*Expression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Expression, 0, len(s.expressions))
	for _, m := range s.expressions {
		result = append(result, m.expr.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateExpression applies upd. A changed source starts a new revision.
func (s *Memory) UpdateExpression(_ context.Context, id string, upd ExpressionUpdate) (*Expression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.expressions[id]
	if !ok {
		return nil, notFound("expression", ExpressionName(id))
	}

	if upd.Source != nil && *upd.Source != m.expr.Source {
		m.revision++
		m.expr.Source = *upd.Source
		m.expr.RevisionID = revisionID(m.revision)
	}
	if upd.Description != nil {
		m.expr.Description = *upd.Description
	}
	if upd.Labels != nil {
		m.expr.Labels = cloneLabels(upd.Labels)
	}
	m.expr.UpdateTime = time.Now().UTC()
	return m.expr.clone(), nil
}

// DeleteExpression removes an expression and its evaluations.
func (s *Memory) DeleteExpression(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expressions[id]; !ok {
		return notFound("expression", ExpressionName(id))
	}
	delete(s.expressions, id)
	return nil
}

// RecordEvaluation stores an evaluation record.
func (s *Memory) RecordEvaluation(_ context.Context, id string, ev *Evaluation) (*Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.expressions[id]
	if !ok {
		return nil, notFound("expression", ExpressionName(id))
	}

	rec := ev.clone()
	rec.ID = uuid.NewString()
	rec.Name = EvaluationName(id, rec.ID)
	rec.ExpressionRevisionID = m.expr.RevisionID
	m.evaluations = append(m.evaluations, rec)
	return rec.clone(), nil
}

// GetEvaluation retrieves one evaluation of an expression.
func (s *Memory) GetEvaluation(_ context.Context, id, evaluationID string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.expressions[id]
	if !ok {
		return nil, notFound("expression", ExpressionName(id))
	}
	for _, ev := range m.evaluations {
		if ev.ID == evaluationID {
			return ev.clone(), nil
		}
	}
	return nil, notFound("evaluation", EvaluationName(id, evaluationID))
}

// ListEvaluations returns the evaluations of an expression in the order
// they were recorded.
func (s *Memory) ListEvaluations(_ context.Context, id string) ([]*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.expressions[id]
	if !ok {
		return nil, notFound("expression", ExpressionName(id))
	}
	result := make([]*Evaluation, len(m.evaluations))
	for i, ev := range m.evaluations {
		result[i] = ev.clone()
	}
	return result, nil
}

// Close implements Store; the memory store holds no resources.
func (s *Memory) Close() error {
	return nil
}
