// Package loader reads expression-set documents: YAML or JSON files that
// declare named expressions, shared default bindings and named binding
// contexts to evaluate them against.
//
//	bindings:
//	  rate: 0.2
//	expressions:
//	  - id: tax
//	    source: price * rate
//	    description: sales tax
//	contexts:
//	  - name: small
//	    bindings: {price: 10}
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/runtime"
	"github.com/lemonberrylabs/symexpr/pkg/store"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// MaxSourceSize is the maximum document size in bytes (128 KB).
const MaxSourceSize = 128 * 1024

// MaxExpressions is the maximum number of expressions per document.
const MaxExpressions = 500

// ParseError represents an error encountered while reading a document.
type ParseError struct {
	Message  string
	Location string // e.g., "expression 'tax' (line 4)"
	Err      error
}

func (e *ParseError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("parse error at %s: %s", e.Location, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Unwrap returns the underlying expression error, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Expression is a named expression declared in a document.
type Expression struct {
	ID          string            `yaml:"id"`
	Source      string            `yaml:"source"`
	Description string            `yaml:"description"`
	Labels      map[string]string `yaml:"labels"`

	Node expr.Node `yaml:"-"`
	Line int       `yaml:"-"`
}

// Context is a named set of bindings declared in a document.
type Context struct {
	Name     string         `yaml:"name"`
	Bindings types.Bindings `yaml:"bindings"`

	Line int `yaml:"-"`
}

// Document is a parsed expression set.
type Document struct {
	Path        string
	Bindings    types.Bindings
	Expressions []*Expression
	Contexts    []*Context
}

// Parse parses a YAML or JSON expression-set document. Every expression
// source is parsed with opts; the first problem found is returned.
func Parse(source []byte, opts ...expr.ParseOption) (*Document, error) {
	if len(source) > MaxSourceSize {
		return nil, &ParseError{Message: fmt.Sprintf("document size %d exceeds maximum %d bytes", len(source), MaxSourceSize)}
	}

	var raw yaml.Node
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	// The root node is a document node containing the actual content
	if raw.Kind != yaml.DocumentNode || len(raw.Content) == 0 {
		return nil, &ParseError{Message: "empty document"}
	}
	root := raw.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "document must be a mapping"}
	}

	doc := &Document{Bindings: types.Bindings{}}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		body := root.Content[i+1]

		var err error
		switch key.Value {
		case "bindings":
			doc.Bindings, err = parseBindings(body, "bindings")
		case "expressions":
			doc.Expressions, err = parseExpressions(body, opts)
		case "contexts":
			doc.Contexts, err = parseContexts(body)
		default:
			err = &ParseError{Message: fmt.Sprintf("unknown key %q", key.Value), Location: lineLoc(key)}
		}
		if err != nil {
			return nil, err
		}
	}

	if len(doc.Expressions) == 0 {
		return nil, &ParseError{Message: "document declares no expressions"}
	}
	return doc, nil
}

func lineLoc(n *yaml.Node) string {
	return fmt.Sprintf("line %d", n.Line)
}

func parseBindings(node *yaml.Node, loc string) (types.Bindings, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{Message: "bindings must be a mapping of names to numbers", Location: loc}
	}
	b := types.Bindings{}
	if err := node.Decode(&b); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid bindings: %v", err), Location: loc}
	}
	return b, nil
}

func parseExpressions(node *yaml.Node, opts []expr.ParseOption) ([]*Expression, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &ParseError{Message: "expressions must be a list", Location: lineLoc(node)}
	}
	if len(node.Content) > MaxExpressions {
		return nil, &ParseError{Message: fmt.Sprintf("too many expressions (%d, max %d)", len(node.Content), MaxExpressions)}
	}

	seen := make(map[string]int)
	result := make([]*Expression, 0, len(node.Content))
	for _, item := range node.Content {
		var e Expression
		if err := item.Decode(&e); err != nil {
			return nil, &ParseError{Message: fmt.Sprintf("invalid expression entry: %v", err), Location: lineLoc(item)}
		}
		e.Line = item.Line

		loc := fmt.Sprintf("expression '%s' (line %d)", e.ID, e.Line)
		if err := store.CheckID(e.ID); err != nil {
			return nil, &ParseError{Message: err.Error(), Location: loc, Err: err}
		}
		if prev, dup := seen[e.ID]; dup {
			return nil, &ParseError{Message: fmt.Sprintf("duplicate id (first declared on line %d)", prev), Location: loc}
		}
		seen[e.ID] = e.Line

		if strings.TrimSpace(e.Source) == "" {
			return nil, &ParseError{Message: "source is required", Location: loc}
		}
		n, err := expr.ParseExpression(e.Source, opts...)
		if err != nil {
			return nil, &ParseError{Message: err.Error(), Location: loc, Err: err}
		}
		e.Node = n
		result = append(result, &e)
	}
	return result, nil
}

func parseContexts(node *yaml.Node) ([]*Context, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &ParseError{Message: "contexts must be a list", Location: lineLoc(node)}
	}

	seen := make(map[string]bool)
	result := make([]*Context, 0, len(node.Content))
	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, &ParseError{Message: "context must be a mapping", Location: lineLoc(item)}
		}
		c := &Context{Line: item.Line, Bindings: types.Bindings{}}
		for j := 0; j+1 < len(item.Content); j += 2 {
			key, val := item.Content[j], item.Content[j+1]
			switch key.Value {
			case "name":
				c.Name = val.Value
			case "bindings":
				b, err := parseBindings(val, lineLoc(val))
				if err != nil {
					return nil, err
				}
				c.Bindings = b
			default:
				return nil, &ParseError{Message: fmt.Sprintf("unknown context key %q", key.Value), Location: lineLoc(key)}
			}
		}
		if c.Name == "" {
			c.Name = fmt.Sprintf("context-%d", i+1)
		}
		if seen[c.Name] {
			return nil, &ParseError{Message: fmt.Sprintf("duplicate context name %q", c.Name), Location: lineLoc(item)}
		}
		seen[c.Name] = true
		result = append(result, c)
	}
	return result, nil
}

// Load reads and parses the document at path.
func Load(path string, opts ...expr.ParseOption) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// IsDocumentFile reports whether name has an extension LoadDir reads.
func IsDocumentFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every document in dir (not recursive), sorted by file name.
// Files that fail to load are skipped and their errors joined into the
// returned error; the documents that did load are still returned.
func LoadDir(dir string, opts ...expr.ParseOption) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading expressions directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var docs []*Document
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !IsDocumentFile(entry.Name()) {
			continue
		}
		doc, err := Load(filepath.Join(dir, entry.Name()), opts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}

// Scope returns the evaluation scope for c: c's bindings over the
// document's shared bindings. A nil c yields the shared bindings alone.
func (d *Document) Scope(c *Context) *runtime.Scope {
	root := runtime.NewScope(d.Bindings)
	if c == nil {
		return root
	}
	return root.NewChildScope(c.Bindings)
}

// Expression returns the expression with the given id, or nil.
func (d *Document) Expression(id string) *Expression {
	for _, e := range d.Expressions {
		if e.ID == id {
			return e
		}
	}
	return nil
}
