// Package grpcapi implements the symexpr.v1.Evaluator gRPC service. Requests
// and responses are google.protobuf.Struct messages, so any gRPC client can
// call the service without generated stubs.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lemonberrylabs/symexpr/pkg/api"
	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/runtime"
	"github.com/lemonberrylabs/symexpr/pkg/stdlib"
	"github.com/lemonberrylabs/symexpr/pkg/store"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "symexpr.v1.Evaluator"

// EvaluatorServer is the server API for the Evaluator service.
type EvaluatorServer interface {
	// Evaluate evaluates {source | tree | expressionId, bindings} and returns
	// {value, expression}. Evaluations of stored expressions are recorded.
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// EvaluateBatch evaluates {source, contexts} and returns {results}.
	EvaluateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Parse parses {source} and returns its tree and canonical form.
	Parse(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Evaluator service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", EvaluatorServer.Evaluate)},
		{MethodName: "EvaluateBatch", Handler: unaryHandler("EvaluateBatch", EvaluatorServer.EvaluateBatch)},
		{MethodName: "Parse", Handler: unaryHandler("Parse", EvaluatorServer.Parse)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "symexpr/v1/evaluator.proto",
}

type unaryMethod func(EvaluatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EvaluatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server implements the Evaluator service.
type Server struct {
	store    store.Store
	funcs    *stdlib.Registry
	engine   *runtime.Engine
	defaults *runtime.Scope
	logger   *zap.Logger
	grpc     *grpc.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for call logs.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new gRPC server wrapping the given store.
func New(s store.Store, opts ...Option) *Server {
	funcs := stdlib.NewRegistry()
	srv := &Server{
		store:    s,
		funcs:    funcs,
		defaults: runtime.NewScope(api.Constants),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.engine = runtime.NewEngine(expr.NewEvaluator(expr.WithFunctions(funcs)), runtime.WithLogger(srv.logger))

	gs := grpc.NewServer(grpc.UnaryInterceptor(srv.logCalls))
	gs.RegisterService(&ServiceDesc, srv)
	srv.grpc = gs

	return srv
}

// Serve starts listening on the given address and serves gRPC requests.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// ServeListener serves gRPC requests on lis.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop gracefully stops the gRPC server.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("RPC",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

func (s *Server) parseSource(source string) (expr.Node, error) {
	return expr.ParseExpression(source,
		expr.AllowOperators(s.engine.Evaluator().Operators()),
		expr.AllowFunctions(s.funcs))
}

// Evaluate implements EvaluatorServer.
func (s *Server) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	bindings, err := bindingsFromValue(fields["bindings"])
	if err != nil {
		return nil, err
	}

	id := fields["expressionId"].GetStringValue()
	source := fields["source"].GetStringValue()
	tree := fields["tree"]

	set := 0
	for _, ok := range []bool{id != "", source != "", tree != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return nil, status.Error(codes.InvalidArgument, "only one of source, tree and expressionId may be set")
	}

	var node expr.Node
	switch {
	case id != "":
		return s.evaluateStored(ctx, id, bindings)
	case source != "":
		node, err = s.parseSource(source)
	case tree != nil:
		node, err = nodeFromValue(tree)
	default:
		return nil, status.Error(codes.InvalidArgument, "source, tree or expressionId is required")
	}
	if err != nil {
		return nil, parseStatus(err)
	}

	value, err := s.engine.Evaluator().Evaluate(node, s.defaults.NewChildScope(bindings))
	if err != nil {
		return nil, evalStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"value":      value,
		"expression": node.String(),
	})
}

func (s *Server) evaluateStored(ctx context.Context, id string, bindings types.Bindings) (*structpb.Struct, error) {
	e, err := s.store.GetExpression(ctx, id)
	if err != nil {
		return nil, storeStatus(err)
	}
	node, err := s.parseSource(e.Source)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "stored expression %s no longer parses: %v", id, err)
	}

	start := time.Now()
	value, evalErr := s.engine.Evaluator().Evaluate(node, s.defaults.NewChildScope(bindings))
	rec, err := s.store.RecordEvaluation(ctx, id, store.NewEvaluation(bindings, value, evalErr, start, time.Now()))
	if err != nil {
		return nil, storeStatus(err)
	}
	if evalErr != nil {
		return nil, evalStatus(evalErr)
	}
	return structpb.NewStruct(map[string]interface{}{
		"value":      value,
		"expression": node.String(),
		"evaluation": rec.Name,
	})
}

// EvaluateBatch implements EvaluatorServer.
func (s *Server) EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	source := fields["source"].GetStringValue()
	if source == "" {
		return nil, status.Error(codes.InvalidArgument, "source is required")
	}
	node, err := s.parseSource(source)
	if err != nil {
		return nil, parseStatus(err)
	}

	var scopes []types.TokenContext
	for i, v := range fields["contexts"].GetListValue().GetValues() {
		b, err := bindingsFromValue(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "contexts[%d]: %v", i, status.Convert(err).Message())
		}
		scopes = append(scopes, s.defaults.NewChildScope(b))
	}

	results := s.engine.Run(ctx, node, scopes)
	items := make([]interface{}, len(results))
	for i, r := range results {
		if r.Err != nil {
			items[i] = map[string]interface{}{"error": errorMap(r.Err)}
			continue
		}
		items[i] = map[string]interface{}{"value": r.Value}
	}
	return structpb.NewStruct(map[string]interface{}{
		"expression": node.String(),
		"results":    items,
	})
}

// Parse implements EvaluatorServer.
func (s *Server) Parse(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	node, err := s.parseSource(req.GetFields()["source"].GetStringValue())
	if err != nil {
		return nil, parseStatus(err)
	}

	data, err := expr.MarshalNode(node)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return structpb.NewStruct(map[string]interface{}{
		"tree":      tree,
		"canonical": node.String(),
		"variables": stringsToList(expr.Variables(node)),
		"functions": stringsToList(expr.Functions(node)),
		"depth":     expr.Depth(node),
		"size":      expr.Size(node),
	})
}

// --- Conversion Helpers ---

func bindingsFromValue(v *structpb.Value) (types.Bindings, error) {
	if v == nil {
		return nil, nil
	}
	st := v.GetStructValue()
	if st == nil {
		return nil, status.Error(codes.InvalidArgument, "bindings must be an object")
	}
	b := make(types.Bindings, len(st.GetFields()))
	for name, val := range st.GetFields() {
		num, ok := val.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "binding %q must be a number", name)
		}
		b[name] = num.NumberValue
	}
	return b, nil
}

func nodeFromValue(v *structpb.Value) (expr.Node, error) {
	data, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, types.NewDecodeError(err.Error())
	}
	return expr.UnmarshalNode(data)
}

func stringsToList(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func errorMap(err error) map[string]interface{} {
	m := map[string]interface{}{"message": err.Error()}
	var ee *types.EvalError
	if errors.As(err, &ee) {
		m["tag"] = ee.Tag()
		m["message"] = ee.Message
	}
	return m
}

// --- Status Mapping ---

func parseStatus(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

func evalStatus(err error) error {
	return status.Error(codes.FailedPrecondition, err.Error())
}

func storeStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// --- Client ---

// Client calls the Evaluator service over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate calls Evaluator.Evaluate.
func (c *Client) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Evaluate", in, opts...)
}

// EvaluateBatch calls Evaluator.EvaluateBatch.
func (c *Client) EvaluateBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "EvaluateBatch", in, opts...)
}

// Parse calls Evaluator.Parse.
func (c *Client) Parse(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Parse", in, opts...)
}
