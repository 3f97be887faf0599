package grpcapi

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lemonberrylabs/symexpr/pkg/store"
)

func startTestServer(t *testing.T) (*Client, store.Store) {
	t.Helper()
	s := store.NewMemory()
	srv := New(s, WithLogger(zaptest.NewLogger(t)))

	lis := bufconn.Listen(1 << 20)
	go srv.ServeListener(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
	})
	return NewClient(conn), s
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	st, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return st
}

func TestEvaluate(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	resp, err := client.Evaluate(ctx, mustStruct(t, map[string]interface{}{
		"source":   "x * 2 + pi * 0",
		"bindings": map[string]interface{}{"x": 21},
	}))
	require.NoError(t, err)
	assert.Equal(t, 42.0, resp.GetFields()["value"].GetNumberValue())
	assert.Equal(t, "x * 2 + pi * 0", resp.GetFields()["expression"].GetStringValue())

	resp, err = client.Evaluate(ctx, mustStruct(t, map[string]interface{}{
		"tree": map[string]interface{}{
			"op":      "neg",
			"operand": map[string]interface{}{"var": "y"},
		},
		"bindings": map[string]interface{}{"y": 5},
	}))
	require.NoError(t, err)
	assert.Equal(t, -5.0, resp.GetFields()["value"].GetNumberValue())
}

func TestEvaluateErrors(t *testing.T) {
	client, _ := startTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      map[string]interface{}
		wantCode codes.Code
		wantMsg  string
	}{
		{"syntax", map[string]interface{}{"source": "1 +"}, codes.InvalidArgument, "SyntaxError"},
		{"unknown function", map[string]interface{}{"source": "nope(1)"}, codes.InvalidArgument, "UnknownFunction"},
		{"unbound", map[string]interface{}{"source": "x"}, codes.FailedPrecondition, "UnboundVariable"},
		{"division by zero", map[string]interface{}{"source": "1 % 0"}, codes.FailedPrecondition, "DivisionByZero"},
		{"bad binding", map[string]interface{}{"source": "x", "bindings": map[string]interface{}{"x": "one"}}, codes.InvalidArgument, "must be a number"},
		{"bindings not object", map[string]interface{}{"source": "x", "bindings": 3}, codes.InvalidArgument, "must be an object"},
		{"bad tree", map[string]interface{}{"tree": map[string]interface{}{"op": "add"}}, codes.InvalidArgument, "DecodeError"},
		{"empty", map[string]interface{}{}, codes.InvalidArgument, "required"},
		{"missing stored", map[string]interface{}{"expressionId": "nope"}, codes.NotFound, "not found"},
		{"source and tree", map[string]interface{}{"source": "1", "tree": map[string]interface{}{"const": 1}}, codes.InvalidArgument, "only one of"},
		{"stored and source", map[string]interface{}{"expressionId": "nope", "source": "1"}, codes.InvalidArgument, "only one of"},
		{"stored and tree", map[string]interface{}{"expressionId": "nope", "tree": map[string]interface{}{"const": 1}}, codes.InvalidArgument, "only one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Evaluate(ctx, mustStruct(t, tt.req))
			require.Error(t, err)
			st := status.Convert(err)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Contains(t, st.Message(), tt.wantMsg)
		})
	}
}

func TestEvaluateStored(t *testing.T) {
	client, s := startTestServer(t)
	ctx := context.Background()

	_, err := s.CreateExpression(ctx, "ratio", "a / b", "", nil)
	require.NoError(t, err)

	resp, err := client.Evaluate(ctx, mustStruct(t, map[string]interface{}{
		"expressionId": "ratio",
		"bindings":     map[string]interface{}{"a": 1, "b": 4},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.25, resp.GetFields()["value"].GetNumberValue())
	assert.Contains(t, resp.GetFields()["evaluation"].GetStringValue(), "expressions/ratio/evaluations/")

	_, err = client.Evaluate(ctx, mustStruct(t, map[string]interface{}{
		"expressionId": "ratio",
		"bindings":     map[string]interface{}{"a": 1, "b": 0},
	}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Evaluate(ctx, mustStruct(t, map[string]interface{}{
		"expressionId": "ratio",
		"source":       "a * b",
		"bindings":     map[string]interface{}{"a": 1, "b": 4},
	}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	evals, err := s.ListEvaluations(ctx, "ratio")
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, store.EvaluationSucceeded, evals[0].State)
	assert.Equal(t, store.EvaluationFailed, evals[1].State)
	assert.Equal(t, "DivisionByZero", evals[1].Error.Tag)
}

func TestEvaluateBatch(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.EvaluateBatch(context.Background(), mustStruct(t, map[string]interface{}{
		"source": "sqrt(x)",
		"contexts": []interface{}{
			map[string]interface{}{"x": 9},
			map[string]interface{}{"x": -1},
			map[string]interface{}{},
		},
	}))
	require.NoError(t, err)

	results := resp.GetFields()["results"].GetListValue().GetValues()
	require.Len(t, results, 3)
	assert.Equal(t, 3.0, results[0].GetStructValue().GetFields()["value"].GetNumberValue())
	tag := func(i int) string {
		return results[i].GetStructValue().GetFields()["error"].GetStructValue().GetFields()["tag"].GetStringValue()
	}
	assert.Equal(t, "DomainError", tag(1))
	assert.Equal(t, "UnboundVariable", tag(2))

	_, err = client.EvaluateBatch(context.Background(), mustStruct(t, map[string]interface{}{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestParse(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.Parse(context.Background(), mustStruct(t, map[string]interface{}{
		"source": "2 ^ n - min(a, 1)",
	}))
	require.NoError(t, err)

	f := resp.GetFields()
	assert.Equal(t, "2 ^ n - min(a, 1)", f["canonical"].GetStringValue())
	assert.Equal(t, "sub", f["tree"].GetStructValue().GetFields()["op"].GetStringValue())
	assert.Equal(t, 3.0, f["depth"].GetNumberValue())
	assert.Equal(t, 7.0, f["size"].GetNumberValue())

	var vars []string
	for _, v := range f["variables"].GetListValue().GetValues() {
		vars = append(vars, v.GetStringValue())
	}
	assert.Equal(t, []string{"a", "n"}, vars)

	_, err = client.Parse(context.Background(), mustStruct(t, map[string]interface{}{"source": "1 ^"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
