package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/JuliaMoon1/gear/pkg/codestore"
	"github.com/JuliaMoon1/gear/pkg/config"
	"github.com/JuliaMoon1/gear/pkg/observability"
	"github.com/JuliaMoon1/gear/pkg/processor"
	"github.com/JuliaMoon1/gear/pkg/runner"
	"github.com/JuliaMoon1/gear/pkg/runtime/sandbox"
	"github.com/JuliaMoon1/gear/pkg/storage"
)

// node is everything one command needs, opened from a config file.
type node struct {
	cfg      *config.Config
	backend  storage.Backend
	state    *storage.State
	codes    codestore.Store
	wasm     *sandbox.WazeroBackend
	provider *observability.Provider
	metrics  *observability.EngineMetrics
	runner   *runner.Runner
}

func openNode(ctx context.Context, configPath string, stderr io.Writer) (n *node, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckRuntime(version); err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	n = &node{cfg: cfg, state: storage.NewState()}
	defer func() {
		if err != nil {
			_ = n.Close(ctx)
		}
	}()

	if n.provider, err = observability.New(ctx, &cfg.Observability); err != nil {
		return nil, err
	}
	if n.metrics, err = observability.NewEngineMetrics(n.provider.Meter()); err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}
	if n.backend, err = storage.Open(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if n.codes, err = codestore.New(ctx, cfg.Codes); err != nil {
		return nil, err
	}
	n.wasm, err = sandbox.NewWazeroBackend(ctx, sandbox.WazeroConfig{
		MaxPages:    cfg.Engine.MaxPages,
		CacheSize:   cfg.Engine.ModuleCache,
		Interpreter: cfg.Engine.Interpreter,
	})
	if err != nil {
		return nil, err
	}

	rc, err := cfg.RunnerConfig()
	if err != nil {
		return nil, err
	}
	engine := processor.NewEngine(n.wasm,
		processor.WithMetrics(n.metrics),
		processor.WithTracer(n.provider.Tracer()),
	)
	n.runner = runner.New(n.backend, n.state, n.codes, engine, rc,
		runner.WithCompiler(n.wasm),
		runner.WithInspector(n.wasm),
		runner.WithTracer(n.provider.Tracer()),
	)
	return n, nil
}

// Close releases every resource that was opened, reporting all failures.
func (n *node) Close(ctx context.Context) error {
	var result *multierror.Error
	if n.wasm != nil {
		if err := n.wasm.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("wasm runtime: %w", err))
		}
	}
	if c, ok := n.codes.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("code store: %w", err))
		}
	}
	if n.backend != nil {
		if err := n.backend.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("state backend: %w", err))
		}
	}
	if n.provider != nil {
		if err := n.provider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("telemetry: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (n *node) view(ctx context.Context, fn func(tx storage.Tx) error) error {
	return n.backend.View(ctx, fn)
}
