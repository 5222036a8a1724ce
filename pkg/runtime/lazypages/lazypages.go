// Package lazypages materializes a program's memory one native page at a
// time. Pages are fetched from the page store on first touch and only
// written pages are reported back when the execution ends.
package lazypages

import (
	"errors"
	"fmt"
	"slices"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

// State is the access state of one native page.
type State int

const (
	Untouched State = iota
	Read
	Written
)

func (s State) String() string {
	switch s {
	case Read:
		return "read"
	case Written:
		return "written"
	default:
		return "untouched"
	}
}

// Fault identifies the kind of first touch being resolved.
type Fault int

const (
	FaultRead Fault = iota
	FaultWrite
)

// FaultHandler is consulted before a page changes state. A non-nil error
// aborts the access and leaves the page as it was.
type FaultHandler func(kind Fault, page memory.Page) error

// PageStore is the synchronous page-read callback into persisted state.
type PageStore interface {
	ReadPage(program ids.ProgramID, page memory.Page) (*memory.PageBuf, error)
}

// ErrOutOfBounds is a guest memory violation. It fails the dispatch.
var ErrOutOfBounds = errors.New("lazypages: access out of bounds")

// ErrPageNotFound is returned by a PageStore for a page it does not hold.
var ErrPageNotFound = errors.New("lazypages: page not found")

// Error reports inconsistent backing state. It is never a per-dispatch
// failure: the block processing the dispatch must be aborted.
type Error struct {
	Op      string
	Program ids.ProgramID
	Page    memory.Page
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lazypages: %s page %d of %s: %v", e.Op, e.Page, e.Program, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Update is the final image of one written page.
type Update struct {
	Page memory.Page
	Data memory.PageBuf
}

type resident struct {
	state State
	buf   *memory.PageBuf
	// base is the loaded image, kept for Observe.
	base *memory.PageBuf
}

// Config describes the memory of one execution.
type Config struct {
	Program ids.ProgramID
	Store   PageStore
	// PagesWithData lists the native pages the snapshot says are persisted.
	PagesWithData []memory.Page
	Size          memory.WasmPage
	MaxPages      memory.WasmPage
	OnFault       FaultHandler
}

// Manager owns the pages of one program for one execution. It is not safe
// for concurrent use.
type Manager struct {
	program  ids.ProgramID
	store    PageStore
	withData map[memory.Page]struct{}
	pages    map[memory.Page]*resident
	// baselines holds the instantiated image of non-persisted pages.
	baselines map[memory.Page]*memory.PageBuf
	size      memory.WasmPage
	maxPages  memory.WasmPage
	onFault   FaultHandler
	released  bool
}

// New builds a manager with every page untouched.
func New(cfg Config) *Manager {
	withData := make(map[memory.Page]struct{}, len(cfg.PagesWithData))
	for _, p := range cfg.PagesWithData {
		withData[p] = struct{}{}
	}
	maxPages := cfg.MaxPages
	if maxPages == 0 || maxPages > memory.MaxWasmPages {
		maxPages = memory.MaxWasmPages
	}
	return &Manager{
		program:   cfg.Program,
		store:     cfg.Store,
		withData:  withData,
		pages:     make(map[memory.Page]*resident),
		baselines: make(map[memory.Page]*memory.PageBuf),
		size:      cfg.Size,
		maxPages:  maxPages,
		onFault:   cfg.OnFault,
	}
}

// SetFaultHandler replaces the fault handler.
func (m *Manager) SetFaultHandler(h FaultHandler) { m.onFault = h }

// Size returns the current memory size in WASM pages.
func (m *Manager) Size() memory.WasmPage { return m.size }

// Grow extends memory by delta WASM pages. New pages are untouched zero pages.
func (m *Manager) Grow(delta memory.WasmPage) error {
	if m.size+delta > m.maxPages || m.size+delta < m.size {
		return fmt.Errorf("%w: grow %d+%d exceeds %d pages", ErrOutOfBounds, m.size, delta, m.maxPages)
	}
	m.size += delta
	return nil
}

// Access returns the state of page.
func (m *Manager) Access(page memory.Page) State {
	if r, ok := m.pages[page]; ok {
		return r.state
	}
	return Untouched
}

// HasData reports whether the snapshot holds persisted bytes for page.
func (m *Manager) HasData(page memory.Page) bool {
	_, ok := m.withData[page]
	return ok
}

func (m *Manager) inBounds(page memory.Page) bool {
	return uint64(page) < uint64(m.size)*memory.PagesPerWasmPage
}

func (m *Manager) load(page memory.Page) (*memory.PageBuf, error) {
	if _, ok := m.withData[page]; !ok {
		return new(memory.PageBuf), nil
	}
	if m.store == nil {
		return nil, &Error{Op: "load", Program: m.program, Page: page, Err: errors.New("no page store")}
	}
	buf, err := m.store.ReadPage(m.program, page)
	if err != nil {
		return nil, &Error{Op: "load", Program: m.program, Page: page, Err: err}
	}
	if buf == nil {
		return nil, &Error{Op: "load", Program: m.program, Page: page, Err: ErrPageNotFound}
	}
	cp := *buf
	return &cp, nil
}

// OnRead resolves a read fault. It is a no-op for resident pages.
func (m *Manager) OnRead(page memory.Page) error {
	if !m.inBounds(page) {
		return fmt.Errorf("%w: page %d", ErrOutOfBounds, page)
	}
	if _, ok := m.pages[page]; ok {
		return nil
	}
	if m.onFault != nil {
		if err := m.onFault(FaultRead, page); err != nil {
			return err
		}
	}
	buf, err := m.load(page)
	if err != nil {
		return err
	}
	m.pages[page] = &resident{state: Read, buf: buf}
	return nil
}

// OnWrite resolves a write fault, loading the page first if needed.
func (m *Manager) OnWrite(page memory.Page) error {
	if !m.inBounds(page) {
		return fmt.Errorf("%w: page %d", ErrOutOfBounds, page)
	}
	r, ok := m.pages[page]
	if ok && r.state == Written {
		return nil
	}
	if !ok {
		if err := m.OnRead(page); err != nil {
			return err
		}
		r = m.pages[page]
	}
	if m.onFault != nil {
		if err := m.onFault(FaultWrite, page); err != nil {
			return err
		}
	}
	r.state = Written
	return nil
}

func (m *Manager) checkRange(offset uint64, length int) error {
	end := offset + uint64(length)
	if end < offset || end > m.size.Offset() {
		return fmt.Errorf("%w: [%d, %d) beyond %d bytes", ErrOutOfBounds, offset, end, m.size.Offset())
	}
	return nil
}

// ReadAt copies memory at offset into dst, faulting pages in as needed.
func (m *Manager) ReadAt(dst []byte, offset uint64) error {
	if err := m.checkRange(offset, len(dst)); err != nil {
		return err
	}
	for _, page := range memory.PagesInRange(offset, uint64(len(dst))) {
		if err := m.OnRead(page); err != nil {
			return err
		}
	}
	for n := 0; n < len(dst); {
		addr := offset + uint64(n)
		r := m.pages[memory.PageOf(addr)]
		in := addr % memory.PageSize
		n += copy(dst[n:], r.buf[in:])
	}
	return nil
}

// WriteAt copies src into memory at offset, marking touched pages written.
func (m *Manager) WriteAt(src []byte, offset uint64) error {
	if err := m.checkRange(offset, len(src)); err != nil {
		return err
	}
	for _, page := range memory.PagesInRange(offset, uint64(len(src))) {
		if err := m.OnWrite(page); err != nil {
			return err
		}
	}
	for n := 0; n < len(src); {
		addr := offset + uint64(n)
		r := m.pages[memory.PageOf(addr)]
		in := addr % memory.PageSize
		n += copy(r.buf[in:], src[n:])
	}
	return nil
}

// Prefetch loads every persisted page inside the current memory and hands
// it to fn. Used by backends that cannot trap on first access. Prefetched
// pages are read-resident and Observe compares against their loaded image.
func (m *Manager) Prefetch(fn func(page memory.Page, data *memory.PageBuf) error) error {
	pages := make([]memory.Page, 0, len(m.withData))
	for p := range m.withData {
		if m.inBounds(p) {
			pages = append(pages, p)
		}
	}
	slices.Sort(pages)
	for _, p := range pages {
		if err := m.OnRead(p); err != nil {
			return err
		}
		r := m.pages[p]
		base := *r.buf
		r.base = &base
		if err := fn(p, r.buf); err != nil {
			return err
		}
	}
	return nil
}

// Baseline records data as the image a non-persisted page holds before the
// guest runs, such as bytes placed by module instantiation. It neither
// changes the page state nor faults. Persisted and resident pages keep
// their loaded image.
func (m *Manager) Baseline(page memory.Page, data []byte) error {
	if len(data) != memory.PageSize {
		return &Error{Op: "baseline", Program: m.program, Page: page,
			Err: fmt.Errorf("expected %d bytes, got %d", memory.PageSize, len(data))}
	}
	if _, persisted := m.withData[page]; persisted {
		return nil
	}
	if _, ok := m.pages[page]; ok {
		return nil
	}
	var buf memory.PageBuf
	copy(buf[:], data)
	m.baselines[page] = &buf
	return nil
}

// Observe records the final bytes of page as seen by a backend without
// write faults. The page becomes written when data differs from what the
// guest started with.
func (m *Manager) Observe(page memory.Page, data []byte) error {
	if len(data) != memory.PageSize {
		return &Error{Op: "observe", Program: m.program, Page: page,
			Err: fmt.Errorf("expected %d bytes, got %d", memory.PageSize, len(data))}
	}
	r, ok := m.pages[page]
	var base *memory.PageBuf
	switch {
	case ok && r.base != nil:
		base = r.base
	case ok:
		base = r.buf
	default:
		if _, persisted := m.withData[page]; persisted && m.inBounds(page) {
			return &Error{Op: "observe", Program: m.program, Page: page, Err: errors.New("persisted page was never prefetched")}
		}
		base = m.baselines[page]
	}
	if base == nil {
		if isZero(data) {
			return nil
		}
	} else if string(base[:]) == string(data) {
		return nil
	}
	if err := m.OnWrite(page); err != nil {
		return err
	}
	copy(m.pages[page].buf[:], data)
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

// Forget drops every resident page of the given WASM pages. Their persisted
// data is discarded by the allocation update, so they must not be reported.
func (m *Manager) Forget(wasmPages []memory.WasmPage) {
	for _, wp := range wasmPages {
		for _, p := range wp.Pages() {
			delete(m.pages, p)
			delete(m.withData, p)
		}
	}
}

// Touched returns the number of resident pages per state.
func (m *Manager) Touched() (read, written int) {
	for _, r := range m.pages {
		if r.state == Written {
			written++
		} else {
			read++
		}
	}
	return read, written
}

// Release ends the execution and returns the final image of every written
// page in ascending page order. Read pages produce nothing. Release may be
// called once.
func (m *Manager) Release() ([]Update, error) {
	if m.released {
		return nil, &Error{Op: "release", Program: m.program, Err: errors.New("already released")}
	}
	m.released = true
	written := make([]memory.Page, 0, len(m.pages))
	for p, r := range m.pages {
		if r.state == Written {
			written = append(written, p)
		}
	}
	slices.Sort(written)
	out := make([]Update, 0, len(written))
	for _, p := range written {
		r := m.pages[p]
		if r.buf == nil {
			return nil, &Error{Op: "release", Program: m.program, Page: p, Err: ErrPageNotFound}
		}
		out = append(out, Update{Page: p, Data: *r.buf})
	}
	m.pages = nil
	return out, nil
}
