package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// WazeroConfig configures the WebAssembly backend.
type WazeroConfig struct {
	// MaxPages caps every instance's linear memory in WASM pages.
	MaxPages uint32
	// CacheSize bounds the number of compiled modules kept.
	CacheSize int
	// Interpreter selects the interpreter engine instead of the compiler.
	Interpreter bool
	Policy      *Policy
}

// WazeroBackend executes WebAssembly programs with wazero (pure-Go runtime).
// Deny-by-default: no WASI, no clock, no randomness, no filesystem. The only
// imports a module can satisfy are the host functions of the "env" module.
//
// wazero exposes no page-fault hooks, so persisted pages are prefetched
// through the page manager before the entry point runs and written pages are
// detected by comparing memory with the loaded image afterwards.
type WazeroBackend struct {
	runtime wazero.Runtime
	cache   *lru.Cache
	policy  *Policy
	logger  *slog.Logger
}

// NewWazeroBackend creates the runtime and links the host module.
func NewWazeroBackend(ctx context.Context, cfg WazeroConfig) (*WazeroBackend, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	}
	// Context cancellation aborts a running guest. Budgets, not deadlines,
	// bound execution; cancellation only happens on shutdown.
	runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	if cfg.MaxPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MaxPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	if err := instantiateHost(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: link host module: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 128
	}
	logger := slog.Default().With("component", "sandbox.wazero")
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		if compiled, ok := value.(wazero.CompiledModule); ok {
			_ = compiled.Close(context.Background())
		}
		logger.Debug("compiled module evicted", "code_id", key)
	})
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wazero: module cache: %w", err)
	}

	return &WazeroBackend{runtime: r, cache: cache, policy: policy, logger: logger}, nil
}

// Compile compiles code into the module cache. Safe for concurrent use.
func (b *WazeroBackend) Compile(ctx context.Context, code Code) error {
	_, err := b.compile(ctx, code)
	return err
}

func (b *WazeroBackend) compile(ctx context.Context, code Code) (wazero.CompiledModule, error) {
	if cached, ok := b.cache.Get(code.ID); ok {
		return cached.(wazero.CompiledModule), nil
	}
	compiled, err := b.runtime.CompileModule(ctx, code.Bytes)
	if err != nil {
		return nil, &SandboxError{Code: ErrCodeInvalidModule, Message: firstLine(err)}
	}
	for _, imp := range compiled.ImportedFunctions() {
		module, name, _ := imp.Import()
		if module != hostModule {
			_ = compiled.Close(ctx)
			return nil, &SandboxError{Code: ErrCodeInvalidModule, Message: fmt.Sprintf("import %s.%s not provided", module, name)}
		}
	}
	b.cache.Add(code.ID, compiled)
	return compiled, nil
}

// CodeInfo describes a compiled module.
type CodeInfo struct {
	StaticPages memory.WasmPage
	Exports     []Entry
}

// Inspect reports the static memory size and entry points of code.
func (b *WazeroBackend) Inspect(ctx context.Context, code []byte) (CodeInfo, error) {
	compiled, err := b.compile(ctx, Code{ID: ids.CodeIDFromCode(code), Bytes: code})
	if err != nil {
		return CodeInfo{}, err
	}
	var info CodeInfo
	for _, def := range compiled.ExportedMemories() {
		info.StaticPages = memory.WasmPage(def.Min())
		break
	}
	fns := compiled.ExportedFunctions()
	for _, e := range []Entry{EntryInit, EntryHandle, EntryReply, EntrySignal} {
		if _, ok := fns[string(e)]; ok {
			info.Exports = append(info.Exports, e)
		}
	}
	return info, nil
}

// Execute implements Backend.
func (b *WazeroBackend) Execute(ctx context.Context, code Code, entry Entry, ext Ext) (Termination, error) {
	compiled, err := b.compile(ctx, code)
	if err != nil {
		return Termination{Kind: Trap, Err: err}, nil
	}
	if _, ok := compiled.ExportedFunctions()[string(entry)]; !ok {
		return Termination{Kind: Success}, nil
	}

	mod, err := b.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		if ctx.Err() != nil {
			return Termination{}, ctx.Err()
		}
		return Termination{Kind: Trap, Err: &SandboxError{Code: ErrCodeInvalidModule, Message: firstLine(err)}}, nil
	}
	defer func() { _ = mod.Close(ctx) }()

	var mem *wasmMemory
	if m := mod.Memory(); m != nil {
		mem = &wasmMemory{mem: m, pages: ext.Pages()}
		if err := mem.sync(); err != nil {
			return Termination{Kind: Trap, Err: err}, nil
		}
		if err := mem.baseline(); err != nil {
			return Termination{Kind: Trap, Err: err}, nil
		}
		if err := ext.Pages().Prefetch(mem.load); err != nil {
			return Termination{Kind: Trap, Err: err}, nil
		}
	}

	call := &hostCall{ext: ext, policy: b.policy, mem: mem}
	_, callErr := mod.ExportedFunction(string(entry)).Call(withHostCall(ctx, call))
	if callErr != nil && call.err == nil && ctx.Err() != nil {
		return Termination{}, ctx.Err()
	}
	term := terminate(guestError(call, callErr))

	if mem != nil && (term.Kind == Success || term.Kind == Wait) {
		if err := mem.observe(); err != nil {
			return Termination{Kind: Trap, Err: err}, nil
		}
	}
	return term, nil
}

// Close releases every compiled module and the runtime.
func (b *WazeroBackend) Close(ctx context.Context) error {
	b.cache.Purge()
	return b.runtime.Close(ctx)
}

// guestError prefers the error recorded by a host function over the
// wrapped panic wazero reports.
func guestError(call *hostCall, err error) error {
	if call.err != nil {
		return call.err
	}
	if err == nil {
		return nil
	}
	msg := firstLine(err)
	if strings.Contains(msg, "unreachable") {
		return &SandboxError{Code: ErrCodeUnreachable, Message: msg}
	}
	if strings.Contains(msg, "out of bounds memory access") {
		return &SandboxError{Code: ErrCodeMemoryAccess, Message: msg}
	}
	return &SandboxError{Code: ErrCodeTrap, Message: msg}
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// wasmMemory keeps a wazero memory and the page manager the same size.
type wasmMemory struct {
	mem   api.Memory
	pages Pages
}

func (w *wasmMemory) Size() memory.WasmPage {
	return memory.WasmPage(w.mem.Size() / memory.WasmPageSize)
}

func (w *wasmMemory) Grow(delta memory.WasmPage) error {
	if err := w.pages.Grow(delta); err != nil {
		return err
	}
	if _, ok := w.mem.Grow(uint32(delta)); !ok {
		return fmt.Errorf("%w: cannot grow by %d pages", memory.ErrOutOfMemory, delta)
	}
	return nil
}

// sync grows whichever side is smaller.
func (w *wasmMemory) sync() error {
	have, want := w.Size(), w.pages.Size()
	switch {
	case have < want:
		if _, ok := w.mem.Grow(uint32(want - have)); !ok {
			return &SandboxError{Code: ErrCodeMemoryAccess, Message: fmt.Sprintf("cannot grow memory to %d pages", want)}
		}
	case have > want:
		if err := w.pages.Grow(have - want); err != nil {
			return err
		}
	}
	return nil
}

func (w *wasmMemory) load(page memory.Page, data *memory.PageBuf) error {
	if !w.mem.Write(uint32(page.Offset()), data[:]) {
		return &SandboxError{Code: ErrCodeMemoryAccess, Message: fmt.Sprintf("page %d outside memory", page)}
	}
	return nil
}

// baseline hands the pages filled by data segments to the page manager so
// that reading them is not mistaken for a write.
func (w *wasmMemory) baseline() error {
	total := memory.Page(uint64(w.Size()) * memory.PagesPerWasmPage)
	for p := memory.Page(0); p < total; p++ {
		data, ok := w.mem.Read(uint32(p.Offset()), memory.PageSize)
		if !ok {
			return fmt.Errorf("wazero: page %d outside memory", p)
		}
		if isZero(data) {
			continue
		}
		if err := w.pages.Baseline(p, data); err != nil {
			return err
		}
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (w *wasmMemory) observe() error {
	if err := w.sync(); err != nil {
		return err
	}
	total := memory.Page(uint64(w.Size()) * memory.PagesPerWasmPage)
	for p := memory.Page(0); p < total; p++ {
		data, ok := w.mem.Read(uint32(p.Offset()), memory.PageSize)
		if !ok {
			return errors.New("wazero: memory shrank during observe")
		}
		if err := w.pages.Observe(p, data); err != nil {
			return err
		}
	}
	return nil
}
