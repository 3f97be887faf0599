// Package api implements the REST API for managing and evaluating
// expressions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/runtime"
	"github.com/lemonberrylabs/symexpr/pkg/stdlib"
	"github.com/lemonberrylabs/symexpr/pkg/store"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// Constants are bound in every evaluation unless a request binds the same
// name.
var Constants = types.Bindings{
	"pi": math.Pi,
	"e":  math.E,
}

// Server is the API server.
type Server struct {
	app      *fiber.App
	store    store.Store
	funcs    *stdlib.Registry
	engine   *runtime.Engine
	defaults *runtime.Scope
	logger   *zap.Logger

	mu     sync.RWMutex
	parsed map[string]parsedExpression // by expression ID

	watchMu sync.Mutex
	watcher *dirWatcher
}

type parsedExpression struct {
	source string
	node   expr.Node
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger  *zap.Logger
	workers int
}

// WithLogger sets the logger used for request and watcher logs.
func WithLogger(l *zap.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithWorkers sets the worker count for batch evaluation.
func WithWorkers(n int) Option {
	return func(o *serverOptions) { o.workers = n }
}

// New creates a new API server backed by s.
func New(s store.Store, opts ...Option) *Server {
	o := serverOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	funcs := stdlib.NewRegistry()
	ev := expr.NewEvaluator(expr.WithFunctions(funcs))
	srv := &Server{
		store:    s,
		funcs:    funcs,
		engine:   runtime.NewEngine(ev, runtime.WithWorkers(o.workers), runtime.WithLogger(o.logger)),
		defaults: runtime.NewScope(Constants),
		logger:   o.logger,
		parsed:   make(map[string]parsedExpression),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(srv.logRequests)

	// Expressions
	app.Post("/v1/expressions", srv.createExpression)
	app.Get("/v1/expressions", srv.listExpressions)
	app.Post("/v1/expressions/:id\\:evaluate", srv.evaluateExpression)
	app.Get("/v1/expressions/:id", srv.getExpression)
	app.Patch("/v1/expressions/:id", srv.updateExpression)
	app.Delete("/v1/expressions/:id", srv.deleteExpression)

	// Evaluations
	app.Get("/v1/expressions/:id/evaluations", srv.listEvaluations)
	app.Get("/v1/expressions/:id/evaluations/:evaluation", srv.getEvaluation)

	// Ad hoc
	app.Post("/v1/evaluate\\:batch", srv.evaluateBatch)
	app.Post("/v1/evaluate", srv.evaluate)
	app.Post("/v1/parse", srv.parse)
	app.Get("/v1/functions", srv.listFunctions)

	srv.app = app
	return srv
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the directory watcher, if any, and gracefully shuts down
// the server.
func (s *Server) Shutdown() error {
	s.StopWatching()
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// Engine returns the batch engine shared by all requests.
func (s *Server) Engine() *runtime.Engine {
	return s.engine
}

func (s *Server) parseOptions() []expr.ParseOption {
	return []expr.ParseOption{
		expr.AllowOperators(s.engine.Evaluator().Operators()),
		expr.AllowFunctions(s.funcs),
	}
}

func (s *Server) parseSource(source string) (expr.Node, error) {
	return expr.ParseExpression(source, s.parseOptions()...)
}

// scope layers request bindings over the server constants.
func (s *Server) scope(b types.Bindings) *runtime.Scope {
	return s.defaults.NewChildScope(b)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Info("Request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

// --- Expression Handlers ---

type expressionRequest struct {
	Source      *string           `json:"source"`
	Description *string           `json:"description"`
	Labels      map[string]string `json:"labels"`
}

func (s *Server) createExpression(c *fiber.Ctx) error {
	id := c.Query("expressionId")
	if id == "" {
		return invalidArgument(c, "expressionId query parameter is required")
	}
	if err := store.CheckID(id); err != nil {
		return invalidArgument(c, err.Error())
	}

	var req expressionRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Source == nil || *req.Source == "" {
		return invalidArgument(c, "source is required")
	}

	node, err := s.parseSource(*req.Source)
	if err != nil {
		return parseFailure(c, err)
	}

	desc := ""
	if req.Description != nil {
		desc = *req.Description
	}
	e, err := s.store.CreateExpression(c.UserContext(), id, *req.Source, desc, req.Labels)
	if err != nil {
		return storeFailure(c, err)
	}

	s.cache(id, e.Source, node)
	return c.Status(fiber.StatusOK).JSON(e)
}

func (s *Server) getExpression(c *fiber.Ctx) error {
	e, err := s.store.GetExpression(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeFailure(c, err)
	}
	return c.JSON(e)
}

func (s *Server) listExpressions(c *fiber.Ctx) error {
	list, err := s.store.ListExpressions(c.UserContext())
	if err != nil {
		return storeFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"expressions": list,
	})
}

func (s *Server) updateExpression(c *fiber.Ctx) error {
	id := c.Params("id")

	var req expressionRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}

	var node expr.Node
	if req.Source != nil {
		if *req.Source == "" {
			return invalidArgument(c, "source must not be empty")
		}
		var err error
		if node, err = s.parseSource(*req.Source); err != nil {
			return parseFailure(c, err)
		}
	}

	e, err := s.store.UpdateExpression(c.UserContext(), id, store.ExpressionUpdate{
		Source:      req.Source,
		Description: req.Description,
		Labels:      req.Labels,
	})
	if err != nil {
		return storeFailure(c, err)
	}

	if node != nil {
		s.cache(id, e.Source, node)
	}
	return c.JSON(e)
}

func (s *Server) deleteExpression(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.store.DeleteExpression(c.UserContext(), id); err != nil {
		return storeFailure(c, err)
	}
	s.uncache(id)
	return c.JSON(fiber.Map{
		"name": store.ExpressionName(id),
		"done": true,
	})
}

// --- Evaluation Handlers ---

type evaluateExpressionRequest struct {
	Bindings types.Bindings `json:"bindings"`
}

// evaluateExpression evaluates a stored expression and records the outcome.
// A failed evaluation is still a successful request: the record carries the
// FAILED state and the error.
func (s *Server) evaluateExpression(c *fiber.Ctx) error {
	id := c.Params("id")

	var req evaluateExpressionRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}

	node, err := s.node(c.UserContext(), id)
	if err != nil {
		return storeFailure(c, err)
	}

	start := time.Now()
	value, evalErr := s.engine.Evaluator().Evaluate(node, s.scope(req.Bindings))
	rec := store.NewEvaluation(req.Bindings, value, evalErr, start, time.Now())

	rec, err = s.store.RecordEvaluation(c.UserContext(), id, rec)
	if err != nil {
		return storeFailure(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) getEvaluation(c *fiber.Ctx) error {
	rec, err := s.store.GetEvaluation(c.UserContext(), c.Params("id"), c.Params("evaluation"))
	if err != nil {
		return storeFailure(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) listEvaluations(c *fiber.Ctx) error {
	list, err := s.store.ListEvaluations(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"evaluations": list,
	})
}

// --- Ad hoc Handlers ---

type evaluateRequest struct {
	Source   string          `json:"source"`
	Tree     json.RawMessage `json:"tree"`
	Bindings types.Bindings  `json:"bindings"`
}

func (s *Server) evaluate(c *fiber.Ctx) error {
	var req evaluateRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}

	var node expr.Node
	var err error
	switch {
	case req.Source != "" && len(req.Tree) > 0:
		return invalidArgument(c, "only one of source and tree may be set")
	case req.Source != "":
		node, err = s.parseSource(req.Source)
	case len(req.Tree) > 0:
		node, err = expr.UnmarshalNode(req.Tree)
	default:
		return invalidArgument(c, "source or tree is required")
	}
	if err != nil {
		return parseFailure(c, err)
	}

	value, err := s.engine.Evaluator().Evaluate(node, s.scope(req.Bindings))
	if err != nil {
		return evalFailure(c, err)
	}
	return c.JSON(fiber.Map{
		"expression": node.String(),
		"value":      jsonNumber(value),
	})
}

type batchRequest struct {
	Source   string           `json:"source"`
	Contexts []types.Bindings `json:"contexts"`
}

func (s *Server) evaluateBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Source == "" {
		return invalidArgument(c, "source is required")
	}

	node, err := s.parseSource(req.Source)
	if err != nil {
		return parseFailure(c, err)
	}

	scopes := make([]types.TokenContext, len(req.Contexts))
	for i, b := range req.Contexts {
		scopes[i] = s.scope(b)
	}

	results := s.engine.Run(c.UserContext(), node, scopes)
	items := make([]fiber.Map, len(results))
	for i, r := range results {
		if r.Err != nil {
			items[i] = fiber.Map{"error": errorBody(r.Err)}
			continue
		}
		items[i] = fiber.Map{"value": jsonNumber(r.Value)}
	}
	return c.JSON(fiber.Map{
		"expression": node.String(),
		"results":    items,
	})
}

type parseRequest struct {
	Source string `json:"source"`
}

func (s *Server) parse(c *fiber.Ctx) error {
	var req parseRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidArgument(c, fmt.Sprintf("invalid request body: %v", err))
	}

	node, err := s.parseSource(req.Source)
	if err != nil {
		return parseFailure(c, err)
	}

	tree, err := expr.MarshalNode(node)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{
		"tree":      json.RawMessage(tree),
		"canonical": node.String(),
		"variables": expr.Variables(node),
		"functions": expr.Functions(node),
		"depth":     expr.Depth(node),
		"size":      expr.Size(node),
	})
}

func (s *Server) listFunctions(c *fiber.Ctx) error {
	ops := s.engine.Evaluator().Operators().Names()
	symbols := make([]string, len(ops))
	for i, op := range ops {
		symbols[i] = op.Symbol()
	}
	return c.JSON(fiber.Map{
		"functions": s.funcs.Names(),
		"operators": ops,
		"symbols":   symbols,
		"constants": Constants,
	})
}

// --- Parsed Expression Cache ---

func (s *Server) cache(id, source string, node expr.Node) {
	s.mu.Lock()
	s.parsed[id] = parsedExpression{source: source, node: node}
	s.mu.Unlock()
}

func (s *Server) uncache(id string) {
	s.mu.Lock()
	delete(s.parsed, id)
	s.mu.Unlock()
}

// node returns the parsed form of stored expression id. Expressions stored
// or changed by another process are parsed on first use.
func (s *Server) node(ctx context.Context, id string) (expr.Node, error) {
	e, err := s.store.GetExpression(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	p, ok := s.parsed[id]
	s.mu.RUnlock()
	if ok && p.source == e.Source {
		return p.node, nil
	}

	node, err := s.parseSource(e.Source)
	if err != nil {
		return nil, fmt.Errorf("stored expression %s no longer parses: %w", id, err)
	}
	s.cache(id, e.Source, node)
	return node, nil
}

// jsonNumber returns v, or its text form when JSON cannot represent it.
func jsonNumber(v float64) interface{} {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return types.FormatNumber(v)
	}
	return v
}

// --- Errors ---

func errorJSON(c *fiber.Ctx, code int, status, message, tag string) error {
	body := fiber.Map{
		"code":    code,
		"message": message,
		"status":  status,
	}
	if tag != "" {
		body["tag"] = tag
	}
	return c.Status(code).JSON(fiber.Map{"error": body})
}

func errorBody(err error) fiber.Map {
	body := fiber.Map{"message": err.Error()}
	var ee *types.EvalError
	if errors.As(err, &ee) {
		body["tag"] = ee.Tag()
		body["message"] = ee.Message
	}
	return body
}

func evalTag(err error) string {
	var ee *types.EvalError
	if errors.As(err, &ee) {
		return ee.Tag()
	}
	return ""
}

func invalidArgument(c *fiber.Ctx, message string) error {
	return errorJSON(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", message, "")
}

func internalError(c *fiber.Ctx, err error) error {
	return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", err.Error(), "")
}

// parseFailure reports an expression that could not be parsed or decoded.
func parseFailure(c *fiber.Ctx, err error) error {
	return errorJSON(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), evalTag(err))
}

// evalFailure reports a well-formed expression that failed to evaluate for
// the given bindings.
func evalFailure(c *fiber.Ctx, err error) error {
	return errorJSON(c, fiber.StatusUnprocessableEntity, "FAILED_PRECONDITION", err.Error(), evalTag(err))
}

func storeFailure(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "NOT_FOUND", err.Error(), "")
	case errors.Is(err, store.ErrAlreadyExists):
		return errorJSON(c, fiber.StatusConflict, "ALREADY_EXISTS", err.Error(), "")
	case errors.Is(err, store.ErrInvalidID):
		return invalidArgument(c, err.Error())
	}
	return internalError(c, err)
}
