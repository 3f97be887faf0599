package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/symexpr/pkg/api"
	"github.com/lemonberrylabs/symexpr/pkg/expr"
	"github.com/lemonberrylabs/symexpr/pkg/loader"
	"github.com/lemonberrylabs/symexpr/pkg/runtime"
	"github.com/lemonberrylabs/symexpr/pkg/stdlib"
	"github.com/lemonberrylabs/symexpr/pkg/types"
)

// toolchain is the evaluator, function registry and parse options shared by
// the offline commands.
type toolchain struct {
	funcs *stdlib.Registry
	eval  *expr.Evaluator
}

func newToolchain() *toolchain {
	funcs := stdlib.NewRegistry()
	return &toolchain{funcs: funcs, eval: expr.NewEvaluator(expr.WithFunctions(funcs))}
}

func (tc *toolchain) parseOptions() []expr.ParseOption {
	return []expr.ParseOption{
		expr.AllowOperators(tc.eval.Operators()),
		expr.AllowFunctions(tc.funcs),
	}
}

func parseVars(vars []string) (types.Bindings, error) {
	b := types.Bindings{}
	for _, v := range vars {
		name, value, err := types.ParseBinding(v)
		if err != nil {
			return nil, err
		}
		b[name] = value
	}
	return b, nil
}

func printTree(cmd *cobra.Command, node expr.Node) error {
	data, err := expr.MarshalNode(node)
	if err != nil {
		return err
	}
	var pretty interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func (c *cli) newEvalCmd() *cobra.Command {
	var (
		vars     []string
		showTree bool
	)
	cmd := &cobra.Command{
		Use:   "eval EXPRESSION",
		Short: "Evaluate an expression",
		Example: `  symexpr eval "2 * x + 1" --var x=20
  symexpr eval "hypot(a, b)" --var a=3 --var b=4 --tree`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings, err := parseVars(vars)
			if err != nil {
				return err
			}

			tc := newToolchain()
			node, err := expr.ParseExpression(args[0], tc.parseOptions()...)
			if err != nil {
				return err
			}
			if showTree {
				if err := printTree(cmd, node); err != nil {
					return err
				}
			}

			scope := runtime.NewScope(api.Constants).NewChildScope(bindings)
			value, err := tc.eval.Evaluate(node, scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), types.FormatNumber(value))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Bind a variable as name=value (repeatable)")
	cmd.Flags().BoolVar(&showTree, "tree", false, "Print the parsed expression tree as JSON")
	return cmd
}

func (c *cli) newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse EXPRESSION",
		Short: "Parse an expression and print its canonical form and tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := newToolchain()
			node, err := expr.ParseExpression(args[0], tc.parseOptions()...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "canonical: %s\n", node)
			fmt.Fprintf(out, "variables: %s\n", strings.Join(expr.Variables(node), ", "))
			if fns := expr.Functions(node); len(fns) > 0 {
				fmt.Fprintf(out, "functions: %s\n", strings.Join(fns, ", "))
			}
			fmt.Fprintf(out, "depth: %d, size: %d\n", expr.Depth(node), expr.Size(node))
			return printTree(cmd, node)
		},
	}
}

func (c *cli) newRunCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Evaluate every expression of a document against each of its contexts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := newToolchain()
			doc, err := loader.Load(args[0], tc.parseOptions()...)
			if err != nil {
				return err
			}
			// Constants sit below the document's own bindings.
			constants := make(types.Bindings, len(api.Constants)+len(doc.Bindings))
			for k, v := range api.Constants {
				constants[k] = v
			}
			for k, v := range doc.Bindings {
				constants[k] = v
			}
			doc.Bindings = constants

			eng := runtime.NewEngine(tc.eval, runtime.WithWorkers(workers), runtime.WithLogger(c.logger))
			outcomes := doc.Run(cmd.Context(), eng)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXPRESSION\tCONTEXT\tRESULT")
			failed := 0
			for _, o := range outcomes {
				result := types.FormatNumber(o.Value)
				if o.Err != nil {
					result = "error: " + o.Err.Error()
					failed++
				}
				ctxName := o.Context
				if ctxName == "" {
					ctxName = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.Expression, ctxName, result)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d evaluations failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel evaluations (default GOMAXPROCS)")
	return cmd
}
