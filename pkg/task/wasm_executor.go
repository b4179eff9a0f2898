package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// ModuleSource resolves a module name to WASM bytes.
type ModuleSource func(name string) ([]byte, error)

// ModuleMap is a ModuleSource over an in-memory map.
func ModuleMap(modules map[string][]byte) ModuleSource {
	return func(name string) ([]byte, error) {
		b, ok := modules[name]
		if !ok {
			return nil, fmt.Errorf("unknown module %q", name)
		}
		return b, nil
	}
}

// ModuleDir is a ModuleSource reading "<name>.wasm" files from dir.
func ModuleDir(dir string) ModuleSource {
	return func(name string) ([]byte, error) {
		if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("invalid module name %q", name)
		}
		return os.ReadFile(filepath.Join(dir, name+".wasm"))
	}
}

// WASMConfig bounds a WASM executor.
type WASMConfig struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// WASMExecutor runs a task's WASM module with the run input on stdin and takes
// stdout as the output. Modules get no filesystem, network, env or clock.
type WASMExecutor struct {
	runtime wazero.Runtime
	source  ModuleSource
	limits  WASMConfig

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewWASMExecutor(ctx context.Context, source ModuleSource, cfg WASMConfig) (*WASMExecutor, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// 64KiB pages
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
	}
	return &WASMExecutor{
		runtime:  r,
		source:   source,
		limits:   cfg,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

func (w *WASMExecutor) Execute(ctx context.Context, spec Spec, input string) (*Output, error) {
	if spec.Module == "" {
		return nil, Fail(spec.ID, "no module configured", nil)
	}
	compiled, err := w.compile(ctx, spec.Module)
	if err != nil {
		return nil, Fail(spec.ID, "module "+spec.Module+" unavailable", err)
	}

	if w.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.limits.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithArgs(spec.Module).
		WithStdin(bytes.NewReader([]byte(input))).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return &Output{Content: stdout.String()}, nil
		}
		if ctx.Err() != nil {
			return nil, Fail(spec.ID, "module timed out", ctx.Err())
		}
		reason := "module trapped"
		if stderr.Len() > 0 {
			reason = "module failed: " + stderr.String()
		}
		return nil, Fail(spec.ID, reason, err)
	}
	return &Output{Content: stdout.String()}, nil
}

func (w *WASMExecutor) compile(ctx context.Context, name string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.compiled[name]; ok {
		return c, nil
	}
	wasm, err := w.source(name)
	if err != nil {
		return nil, err
	}
	c, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	w.compiled[name] = c
	return c, nil
}

// Close releases the runtime and every compiled module.
func (w *WASMExecutor) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
