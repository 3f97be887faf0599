package expr

import "sort"

// Walk calls fn for node and each of its descendants in evaluation order
// (parents before children, children left to right). Returning false from
// fn skips the children of that node.
func Walk(node Node, fn func(Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	switch n := node.(type) {
	case *BinaryOp:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *UnaryOp:
		Walk(n.Operand, fn)
	case *Call:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}

// Variables returns the distinct variable names referenced by node, sorted.
func Variables(node Node) []string {
	seen := make(map[string]struct{})
	Walk(node, func(n Node) bool {
		if v, ok := n.(*Variable); ok {
			seen[v.Name] = struct{}{}
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functions returns the distinct function names called by node, sorted.
func Functions(node Node) []string {
	seen := make(map[string]struct{})
	Walk(node, func(n Node) bool {
		if c, ok := n.(*Call); ok {
			seen[c.Name] = struct{}{}
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the height of the tree; a single leaf has depth 1.
func Depth(node Node) int {
	switch n := node.(type) {
	case *BinaryOp:
		return 1 + max(Depth(n.Left), Depth(n.Right))
	case *UnaryOp:
		return 1 + Depth(n.Operand)
	case *Call:
		d := 0
		for _, a := range n.Args {
			d = max(d, Depth(a))
		}
		return 1 + d
	case nil:
		return 0
	default:
		return 1
	}
}

// Size returns the number of nodes in the tree.
func Size(node Node) int {
	count := 0
	Walk(node, func(Node) bool {
		count++
		return true
	})
	return count
}
