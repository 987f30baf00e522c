// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-snippets/lowered"
	"github.com/ajroetker/go-snippets/parallel"
	"github.com/ajroetker/go-snippets/target"
)

// incrementOrDefault returns the innermost loop increment: the flag when set, the
// float32 lane count of the running CPU otherwise.
func (o *options) incrementOrDefault() int64 {
	if o.increment > 0 {
		return o.increment
	}
	m := target.Detect()
	inc := int64(m.Lanes(dtypes.Float32))
	klog.V(1).Infof("target %s: increment %d", m, inc)
	return inc
}

func newKernelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the demo kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, k := range catalogue {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", k.name, k.description)
			}
			return nil
		},
	}
}

func newLowerCmd(opts *options) *cobra.Command {
	var all bool
	var format string
	cmd := &cobra.Command{
		Use:   "lower [kernel...]",
		Short: "Lower kernels and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				args = kernelNames()
			}
			if len(args) == 0 {
				return errors.New("no kernel given: pass kernel names or --all")
			}
			switch format {
			case "ir", "code", "both":
			default:
				return errors.Errorf("unknown --format %q, want ir, code or both", format)
			}
			kernels := make([]*kernel, len(args))
			for i, name := range args {
				k, err := findKernel(name)
				if err != nil {
					return err
				}
				kernels[i] = k
			}

			inc := opts.incrementOrDefault()
			config := opts.config()
			outputs := make([]string, len(kernels))
			var g errgroup.Group
			for i, k := range kernels {
				g.Go(func() error {
					ir, err := k.lower(inc, config)
					if err != nil {
						return err
					}
					outputs[i] = render(k.name, ir, format)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), strings.Join(outputs, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "lower every catalogued kernel")
	cmd.Flags().StringVar(&format, "format", "ir", "output format: ir, code or both")
	return cmd
}

// render formats a lowered kernel.
func render(name string, ir *lowered.LinearIR, format string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	if format != "code" {
		sb.WriteString(ir.String())
	}
	if format != "ir" {
		sb.WriteString(lowered.NewEmitter().Emit(name, ir))
	}
	return sb.String()
}

func newRunCmd(opts *options) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:   "run <kernel>",
		Short: "Execute a kernel sequentially and in parallel, and check it against its reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := findKernel(args[0])
			if err != nil {
				return err
			}
			ir, err := k.lower(opts.incrementOrDefault(), opts.config())
			if err != nil {
				return err
			}
			inputs := inputData(ir)
			want := k.reference(inputs)

			pool := parallel.New(threads)
			defer pool.Close()
			executors := []struct {
				name string
				exec *parallel.Executor
			}{
				{"sequential", nil},
				{"parallel", parallel.NewExecutor(pool, parallel.WithMaxThreads(threads))},
			}

			out := cmd.OutOrStdout()
			if ir.ParallelLoop != nil {
				cfg, err := lowered.ParallelLoopConfigFor(ir.ParallelLoop)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: parallel loop %s, %d threads\n",
					k.name, cfg, executors[1].exec.NumThreads(cfg))
			} else {
				fmt.Fprintf(out, "%s: no parallel loop\n", k.name)
			}
			for _, x := range executors {
				got := make([][]float32, len(want))
				for i := range want {
					got[i] = make([]float32, len(want[i]))
				}
				it, err := newInterpreter(ir, inputs, got, x.exec)
				if err != nil {
					return errors.WithMessagef(err, "kernel %s", k.name)
				}
				if err := it.Run(); err != nil {
					return errors.WithMessagef(err, "running kernel %s (%s)", k.name, x.name)
				}
				diff := maxAbsDiff(got, want)
				fmt.Fprintf(out, "%s: %s max |diff| = %g\n", k.name, x.name, diff)
				if diff > 1e-5 {
					return errors.Errorf("kernel %s (%s) differs from its reference by %g", k.name, x.name, diff)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 0, "maximum threads of the parallel run (default: all workers)")
	return cmd
}
