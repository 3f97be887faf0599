package expr

import (
	"encoding/json"
	"fmt"

	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// jsonNode is the serialized form of every node kind. Exactly one of Const,
// Var, Op or Call identifies the kind.
type jsonNode struct {
	Const   *float64    `json:"const,omitempty"`
	Var     string      `json:"var,omitempty"`
	Op      Op          `json:"op,omitempty"`
	Left    *jsonNode   `json:"left,omitempty"`
	Right   *jsonNode   `json:"right,omitempty"`
	Operand *jsonNode   `json:"operand,omitempty"`
	Call    string      `json:"call,omitempty"`
	Args    []*jsonNode `json:"args,omitempty"`
}

// MarshalNode encodes a tree as JSON, e.g. {"op":"add","left":{"var":"x"},"right":{"const":3}}.
func MarshalNode(node Node) ([]byte, error) {
	j, err := toJSONNode(node)
	if err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// UnmarshalNode decodes a tree produced by MarshalNode. Malformed input is
// reported as a DecodeError.
func UnmarshalNode(data []byte) (Node, error) {
	var j jsonNode
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, types.NewDecodeError(fmt.Sprintf("invalid expression tree: %v", err))
	}
	return fromJSONNode(&j, 1)
}

func toJSONNode(node Node) (*jsonNode, error) {
	switch n := node.(type) {
	case *Constant:
		v := n.Value
		return &jsonNode{Const: &v}, nil
	case *Variable:
		return &jsonNode{Var: n.Name}, nil
	case *BinaryOp:
		left, err := toJSONNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := toJSONNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Op: n.Op, Left: left, Right: right}, nil
	case *UnaryOp:
		operand, err := toJSONNode(n.Operand)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Op: n.Op, Operand: operand}, nil
	case *Call:
		args := make([]*jsonNode, len(n.Args))
		for i, a := range n.Args {
			j, err := toJSONNode(a)
			if err != nil {
				return nil, err
			}
			args[i] = j
		}
		return &jsonNode{Call: n.Name, Args: args}, nil
	default:
		return nil, fmt.Errorf("unsupported expression node type: %T", node)
	}
}

func fromJSONNode(j *jsonNode, depth int) (Node, error) {
	if j == nil {
		return nil, types.NewDecodeError("missing node")
	}
	if depth > DefaultMaxDepth {
		return nil, types.NewResourceLimitError(
			fmt.Sprintf("expression nesting exceeds maximum depth of %d", DefaultMaxDepth))
	}

	switch {
	case j.Const != nil:
		return &Constant{Value: *j.Const}, nil
	case j.Var != "":
		return &Variable{Name: j.Var}, nil
	case j.Call != "":
		args := make([]Node, len(j.Args))
		for i, a := range j.Args {
			n, err := fromJSONNode(a, depth+1)
			if err != nil {
				return nil, err
			}
			args[i] = n
		}
		return &Call{Name: j.Call, Args: args}, nil
	case j.Op != "" && j.Operand != nil:
		operand, err := fromJSONNode(j.Operand, depth+1)
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: j.Op, Operand: operand}, nil
	case j.Op != "":
		if j.Left == nil || j.Right == nil {
			return nil, types.NewDecodeError(fmt.Sprintf("operator %q needs left and right, or operand", j.Op))
		}
		left, err := fromJSONNode(j.Left, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := fromJSONNode(j.Right, depth+1)
		if err != nil {
			return nil, err
		}
		return &BinaryOp{Op: j.Op, Left: left, Right: right}, nil
	default:
		return nil, types.NewDecodeError("node has none of const, var, op or call")
	}
}
