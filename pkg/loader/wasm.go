package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/sift/pkg/plugin"
)

// WASMOptions configures the WASM runtime for classifier modules.
type WASMOptions struct {
	// Timeout bounds each classify call.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32
}

func (o WASMOptions) withDefaults() WASMOptions {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MemoryLimitPages == 0 {
		o.MemoryLimitPages = 256
	}
	return o
}

// WASMClassifier runs a WebAssembly module's classify export.
//
// The module must export memory, malloc(size) -> ptr, free(ptr) and
// classify(ptr, len) -> (out_ptr << 32 | out_len). Input and output are JSON:
// the entity as {id, content, metadata} in, and null or {type, confidence?, tags?}
// out. Modules may import env.log(level, ptr, len) to log through the plugin logger.
//
// The module is compiled once. A call that fails inside the module, including
// one cut short by the timeout, discards the instance and the next call runs
// on a fresh one.
type WASMClassifier struct {
	id      string
	timeout time.Duration

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	// mu serializes calls and guards the instance below; an instance has a
	// single linear memory.
	mu       sync.Mutex
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	classify api.Function
}

type loggerKey struct{}

// LoadWASM compiles and instantiates a classifier module.
func LoadWASM(ctx context.Context, filename string, wasm []byte, opts WASMOptions) (*WASMClassifier, error) {
	opts = opts.withDefaults()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(opts.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(hostLog).
		Export("log").
		Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	c := &WASMClassifier{
		id:       "wasm:" + strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)),
		timeout:  opts.Timeout,
		runtime:  runtime,
		compiled: compiled,
	}

	if err := c.instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	return c, nil
}

// instantiate creates a fresh instance of the compiled module. Callers hold mu
// or own c exclusively.
func (c *WASMClassifier) instantiate(ctx context.Context) error {
	// Anonymous, so a replacement can be created while the old name is in use.
	module, err := c.runtime.InstantiateModule(ctx, c.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	memory := module.Memory()
	malloc := module.ExportedFunction("malloc")
	free := module.ExportedFunction("free")
	classify := module.ExportedFunction("classify")

	var missing []string
	if memory == nil {
		missing = append(missing, "memory")
	}
	if malloc == nil {
		missing = append(missing, "malloc")
	}
	if free == nil {
		missing = append(missing, "free")
	}
	if classify == nil {
		missing = append(missing, "classify")
	}
	if len(missing) > 0 {
		_ = module.Close(ctx)
		return fmt.Errorf("WASM module does not export %s", strings.Join(missing, ", "))
	}

	c.module, c.memory = module, memory
	c.malloc, c.free, c.classify = malloc, free, classify
	return nil
}

// discard closes the current instance so the next call instantiates a new one.
func (c *WASMClassifier) discard() {
	if c.module == nil {
		return
	}
	_ = c.module.Close(context.Background())
	c.module = nil
}

// ID returns "wasm:<file name>".
func (c *WASMClassifier) ID() string { return c.id }

// Classify writes the entity JSON into module memory and decodes the result.
func (c *WASMClassifier) Classify(ctx context.Context, e plugin.Entity, cctx plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	input, err := json.Marshal(map[string]any{
		"id":       e.ID,
		"content":  e.Content,
		"metadata": nonNilMap(e.Metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.module == nil || c.module.IsClosed() {
		if err := c.instantiate(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if cctx.Logger != nil {
		ctx = context.WithValue(ctx, loggerKey{}, cctx.Logger)
	}

	output, err := c.call(ctx, input)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classify result: %w", err)
	}
	return classificationFromAny(raw)
}

func (c *WASMClassifier) call(ctx context.Context, input []byte) ([]byte, error) {
	ptr, err := c.allocate(ctx, uint32(len(input)))
	if err != nil {
		c.discard()
		return nil, err
	}
	defer c.deallocate(ctx, ptr)

	if !c.memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err := c.classify.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		c.discard()
		return nil, fmt.Errorf("classify call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("classify returned no results")
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("null"), nil
	}

	view, ok := c.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("classify output out of range")
	}
	// Read returns a view into module memory; copy before freeing.
	output := append([]byte(nil), view...)
	c.deallocate(ctx, outPtr)

	return output, nil
}

func (c *WASMClassifier) allocate(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	results, err := c.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (c *WASMClassifier) deallocate(ctx context.Context, ptr uint32) {
	if c.module == nil {
		return
	}
	_, _ = c.free.Call(ctx, uint64(ptr))
}

// Close releases the module and its runtime.
func (c *WASMClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.module = nil
	return c.runtime.Close(context.Background())
}

// hostLog is exported to modules as env.log(level, ptr, len).
func hostLog(ctx context.Context, mod api.Module, level, ptr, size uint32) {
	logger, ok := ctx.Value(loggerKey{}).(plugin.Logger)
	if !ok {
		return
	}
	msg, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return
	}

	switch level {
	case 0:
		logger.Debug(string(msg), nil)
	case 2:
		logger.Warn(string(msg), nil)
	case 3:
		logger.Error(string(msg), nil)
	default:
		logger.Info(string(msg), nil)
	}
}
