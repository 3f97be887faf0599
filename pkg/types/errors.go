package types

import (
	"fmt"
	"strings"
)

// Error tag constants.
const (
	TagUnboundVariable    = "UnboundVariable"
	TagDivisionByZero     = "DivisionByZero"
	TagSyntaxError        = "SyntaxError"
	TagUnknownOperator    = "UnknownOperator"
	TagUnknownFunction    = "UnknownFunction"
	TagArityError         = "ArityError"
	TagDomainError        = "DomainError"
	TagResourceLimitError = "ResourceLimitError"
	TagDecodeError        = "DecodeError"
)

// EvalError is an expression failure carrying a message and one or more tags.
// Tags identify the kind of failure; errors.Is matches on them, so
// errors.Is(err, ErrDivisionByZero) holds for any error tagged DivisionByZero.
type EvalError struct {
	Message string
	Tags    []string
	Name    string // variable or function name involved, if any
	Pos     int    // byte offset in the source for syntax errors, -1 otherwise
}

// Sentinels for errors.Is.
var (
	ErrUnboundVariable = &EvalError{Tags: []string{TagUnboundVariable}, Pos: -1}
	ErrDivisionByZero  = &EvalError{Tags: []string{TagDivisionByZero}, Pos: -1}
	ErrSyntax          = &EvalError{Tags: []string{TagSyntaxError}, Pos: -1}
	ErrUnknownOperator = &EvalError{Tags: []string{TagUnknownOperator}, Pos: -1}
	ErrUnknownFunction = &EvalError{Tags: []string{TagUnknownFunction}, Pos: -1}
	ErrArity           = &EvalError{Tags: []string{TagArityError}, Pos: -1}
	ErrDomain          = &EvalError{Tags: []string{TagDomainError}, Pos: -1}
	ErrResourceLimit   = &EvalError{Tags: []string{TagResourceLimitError}, Pos: -1}
	ErrDecode          = &EvalError{Tags: []string{TagDecodeError}, Pos: -1}
)

// Error implements the error interface.
func (e *EvalError) Error() string {
	if e.Message == "" {
		return strings.Join(e.Tags, ", ")
	}
	return fmt.Sprintf("%s: %s", e.Tag(), e.Message)
}

// Is reports whether target is an *EvalError whose first tag e carries.
func (e *EvalError) Is(target error) bool {
	t, ok := target.(*EvalError)
	if !ok || len(t.Tags) == 0 {
		return false
	}
	return e.HasTag(t.Tags[0])
}

// Tag returns the primary tag.
func (e *EvalError) Tag() string {
	if len(e.Tags) == 0 {
		return ""
	}
	return e.Tags[0]
}

// HasTag returns true if the error has the specified tag.
func (e *EvalError) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ToMap converts the error to the map structure used in API responses and
// stored evaluation records.
func (e *EvalError) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"message": e.Message,
		"tags":    append([]string(nil), e.Tags...),
	}
	if e.Name != "" {
		m["name"] = e.Name
	}
	if e.Pos >= 0 {
		m["position"] = e.Pos
	}
	return m
}

// Common error constructors.

// NewUnboundVariableError creates an UnboundVariable error for name.
func NewUnboundVariableError(name string) *EvalError {
	return &EvalError{
		Message: fmt.Sprintf("variable '%s' is not bound", name),
		Tags:    []string{TagUnboundVariable},
		Name:    name,
		Pos:     -1,
	}
}

// NewDivisionByZeroError creates a DivisionByZero error.
func NewDivisionByZeroError() *EvalError {
	return &EvalError{Message: "division by zero", Tags: []string{TagDivisionByZero}, Pos: -1}
}

// NewSyntaxError creates a SyntaxError at byte offset pos.
func NewSyntaxError(pos int, msg string) *EvalError {
	return &EvalError{Message: fmt.Sprintf("%s at position %d", msg, pos), Tags: []string{TagSyntaxError}, Pos: pos}
}

// NewUnknownOperatorError creates an UnknownOperator error.
func NewUnknownOperatorError(op string) *EvalError {
	return &EvalError{
		Message: fmt.Sprintf("operator '%s' is not supported", op),
		Tags:    []string{TagUnknownOperator},
		Name:    op,
		Pos:     -1,
	}
}

// NewUnknownFunctionError creates an UnknownFunction error.
func NewUnknownFunctionError(name string) *EvalError {
	return &EvalError{
		Message: fmt.Sprintf("unknown function '%s'", name),
		Tags:    []string{TagUnknownFunction},
		Name:    name,
		Pos:     -1,
	}
}

// NewArityError creates an ArityError for a call with the wrong argument count.
func NewArityError(name string, min, max, got int) *EvalError {
	var msg string
	switch {
	case min == max:
		msg = fmt.Sprintf("%s expects %d argument(s), got %d", name, min, got)
	case max < 0:
		msg = fmt.Sprintf("%s expects at least %d argument(s), got %d", name, min, got)
	default:
		msg = fmt.Sprintf("%s expects %d-%d arguments, got %d", name, min, max, got)
	}
	return &EvalError{Message: msg, Tags: []string{TagArityError}, Name: name, Pos: -1}
}

// NewDomainError creates a DomainError for an argument outside a function's domain.
func NewDomainError(name, msg string) *EvalError {
	return &EvalError{Message: fmt.Sprintf("%s: %s", name, msg), Tags: []string{TagDomainError}, Name: name, Pos: -1}
}

// NewResourceLimitError creates a ResourceLimitError.
func NewResourceLimitError(msg string) *EvalError {
	return &EvalError{Message: msg, Tags: []string{TagResourceLimitError}, Pos: -1}
}

// NewDecodeError creates a DecodeError for a malformed serialized tree.
func NewDecodeError(msg string) *EvalError {
	return &EvalError{Message: msg, Tags: []string{TagDecodeError}, Pos: -1}
}
