// Package types defines the values shared by the symexpr packages: the
// binding context an expression is evaluated against and the tagged error
// taxonomy reported by the evaluator.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TokenContext provides read-only name to number bindings for a single
// evaluation. Implementations must not change while an evaluation is running.
type TokenContext interface {
	// Lookup returns the value bound to name and whether it is bound.
	Lookup(name string) (float64, bool)
}

// Bindings is the plain map form of a TokenContext.
type Bindings map[string]float64

// Lookup implements TokenContext. A nil Bindings has no names bound.
func (b Bindings) Lookup(name string) (float64, bool) {
	v, ok := b[name]
	return v, ok
}

// UnmarshalJSON decodes a JSON object of numbers. A name bound to null is
// rejected rather than read as zero; a null object leaves b unchanged.
func (b *Bindings) UnmarshalJSON(data []byte) error {
	var raw map[string]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	out := make(Bindings, len(raw))
	for name, v := range raw {
		if v == nil {
			return fmt.Errorf("binding %q must be a number, got null", name)
		}
		out[name] = *v
	}
	*b = out
	return nil
}

// Names returns the bound names in sorted order.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for k := range b {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that shares nothing with b.
func (b Bindings) Clone() Bindings {
	c := make(Bindings, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}

// String renders the bindings as {a=1, b=2} in name order.
func (b Bindings) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range b.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(FormatNumber(b[name]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// ParseBinding parses a "name=value" pair as accepted on the command line.
func ParseBinding(s string) (string, float64, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("binding %q must have the form name=value", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", 0, fmt.Errorf("binding %q: invalid number %q", name, raw)
	}
	return name, v, nil
}

// FormatNumber formats a result in the shortest form that parses back to v.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
