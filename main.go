/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/livequery/internal/buildinfo"
	"github.com/l7mp/livequery/pkg/scenario"
	"github.com/l7mp/livequery/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

func main() {
	var file, format string
	flag.StringVar(&file, "f", "", "Scenario file to run (YAML).")
	flag.StringVar(&format, "graph", "", "Print the dataflow graph of each query instead of running "+
		"the scenario. Supported formats: dot, mermaid.")
	dotOut := flag.Bool("dot", false, "Shorthand for -graph=dot.")

	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts))
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.New(version, commitHash, buildDate)
	setupLog.Info(fmt.Sprintf("starting livequery %s", buildInfo.String()))

	if file == "" {
		setupLog.Error(nil, "no scenario file given, use -f")
		os.Exit(1)
	}
	if *dotOut {
		format = "dot"
	}

	if err := run(context.Background(), file, format, os.Stdout, logger); err != nil {
		setupLog.Error(err, "scenario failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, file, format string, w io.Writer, logger logr.Logger) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	s, err := scenario.Parse(b)
	if err != nil {
		return err
	}

	if format == "" {
		r, err := scenario.NewRunner(s, w, logger)
		if err != nil {
			return err
		}
		defer r.Close()
		return r.Run(ctx)
	}

	gen, err := visualize.NewGenerator(format)
	if err != nil {
		return err
	}
	// only the graphs are printed
	r, err := scenario.NewRunner(s, io.Discard, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, name := range r.QueryNames() {
		lq := r.Query(name)
		g := visualize.BuildGraph(name, lq.Graph(), lq.Compiled().LazySources)
		if _, err := fmt.Fprintln(w, gen.Generate(g)); err != nil {
			return err
		}
	}
	return nil
}
