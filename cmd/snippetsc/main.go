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

// Command snippetsc lowers catalogued demo kernels and runs them through the
// parallel loop dispatcher.
//
// Usage:
//
//	snippetsc kernels                         # list the catalogue
//	snippetsc lower exp                       # lower one kernel, print the IR
//	snippetsc lower --all --format code       # lower every kernel concurrently
//	snippetsc run bias-add --threads 4        # execute and check against a reference
//
// The loop increment defaults to the vector lane count of the running CPU
// for float32 (see package target). Logging goes through klog: -v=1 prints
// pass timings and -v=2 dumps the IR after every modifying pass.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-snippets/lowered"
)

// options shared by every subcommand.
type options struct {
	increment    int64
	fillTail     bool
	noSingleEval bool
}

// config returns the lowering configuration: the environment overlay, then
// the command-line flags.
func (o *options) config() lowered.Config {
	cfg := lowered.ConfigFromEnv()
	if o.fillTail {
		cfg.NeedFillTailRegister = true
	}
	if o.noSingleEval {
		cfg.OptimizeSingleEvaluation = false
	}
	return cfg
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "snippetsc",
		Short:         "Lower and run tensor kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)
	root.PersistentFlags().Int64Var(&opts.increment, "increment", 0,
		"innermost loop increment (default: vector lanes of the running CPU)")
	root.PersistentFlags().BoolVar(&opts.fillTail, "fill-tail", false,
		"fill unused tail lanes of Maximum/Add operands")
	root.PersistentFlags().BoolVar(&opts.noSingleEval, "no-single-eval", false,
		"disable the evaluate-once loop optimization")

	root.AddCommand(newKernelsCmd(), newLowerCmd(opts), newRunCmd(opts))
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
