// Command procflow loads workflow documents from a directory and runs one
// workflow to completion, printing the serialized result. It registers a
// small set of built-in procedures so the bundled example documents work out
// of the box; real deployments embed the engine and register their own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/procflow/procflow/engine"
	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/library"
	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/telemetry"
)

func main() {
	var (
		dir     = flag.String("dir", ".", "directory scanned for workflow documents")
		id      = flag.String("workflow", "", "workflow ID to execute")
		input   = flag.String("input", "{}", "JSON input merged into the initial variables")
		budget  = flag.Duration("budget", 0, "wall-clock budget for the run (0 means none)")
		verbose = flag.Bool("v", false, "log node lifecycle events")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	opts := []log.LogOption{log.WithFormat(log.FormatText)}
	if *debug {
		opts = append(opts, log.WithDebug())
	}
	ctx := log.Context(context.Background(), opts...)

	if err := run(ctx, *dir, *id, *input, *budget, *verbose); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir, id, input string, budget time.Duration, verbose bool) error {
	if id == "" {
		return fmt.Errorf("missing -workflow flag")
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return fmt.Errorf("parse -input: %w", err)
	}

	logger := telemetry.NewClueLogger()
	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return err
	}
	lib := library.New(reg, library.WithLogger(logger))
	if _, err := lib.Scan(ctx, dir); err != nil {
		return err
	}
	def, ok := lib.Workflow(id)
	if !ok {
		return fmt.Errorf("workflow %q not found under %s", id, dir)
	}

	eng := engine.New(reg,
		engine.WithDefinitions(lib),
		engine.WithLogger(logger),
		engine.WithMetrics(telemetry.NewClueMetrics()),
	)
	if verbose {
		eng.Bus().SubscribeAll(func(evt events.Event) {
			log.Info(ctx, log.KV{K: "event", V: string(evt.Type)},
				log.KV{K: "execution_id", V: evt.ExecutionID}, log.KV{K: "node_id", V: evt.NodeID})
		})
	}

	ropts := []engine.RunOption{engine.WithInput(in)}
	if budget > 0 {
		ropts = append(ropts, engine.WithBudget(budget))
	}
	res, err := eng.Execute(ctx, def, ropts...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// registerBuiltins installs the arithmetic and echo procedures referenced by
// the example documents.
func registerBuiltins(reg *registry.Registry) error {
	num := func(v any) float64 {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
		return 0
	}
	builtins := map[string]procedure.Handler{
		"math.add": func(_ context.Context, in map[string]any, _ *procedure.Call) (map[string]any, error) {
			return map[string]any{"result": num(in["a"]) + num(in["b"])}, nil
		},
		"math.multiply": func(_ context.Context, in map[string]any, _ *procedure.Call) (map[string]any, error) {
			return map[string]any{"result": num(in["a"]) * num(in["b"])}, nil
		},
		"math.divide": func(_ context.Context, in map[string]any, _ *procedure.Call) (map[string]any, error) {
			if num(in["b"]) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return map[string]any{"result": num(in["a"]) / num(in["b"])}, nil
		},
		"echo": func(_ context.Context, in map[string]any, _ *procedure.Call) (map[string]any, error) {
			return in, nil
		},
	}
	for name, h := range builtins {
		p, err := procedure.New(procedure.Contract{Name: name}, h)
		if err != nil {
			return err
		}
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
