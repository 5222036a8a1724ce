package memory

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrOutOfMemory is returned when no run of free pages fits below the max-pages bound.
	ErrOutOfMemory = errors.New("memory: out of memory")
	// ErrNotAllocated is returned when freeing a page the program never claimed.
	ErrNotAllocated = errors.New("memory: page not allocated")
	// ErrZeroPages is returned by Alloc(0).
	ErrZeroPages = errors.New("memory: zero pages requested")
)

// AllocationsContext tracks the WASM pages claimed by one program during one
// execution. Pages below the static area belong to the module image and are
// never handed out.
type AllocationsContext struct {
	initial     map[WasmPage]struct{}
	allocations map[WasmPage]struct{}
	staticPages WasmPage
	maxPages    WasmPage
}

// NewAllocationsContext builds a tracker from the persisted claimed set.
func NewAllocationsContext(allocations []WasmPage, staticPages, maxPages WasmPage) *AllocationsContext {
	if maxPages > MaxWasmPages {
		maxPages = MaxWasmPages
	}
	ctx := &AllocationsContext{
		initial:     make(map[WasmPage]struct{}, len(allocations)),
		allocations: make(map[WasmPage]struct{}, len(allocations)),
		staticPages: staticPages,
		maxPages:    maxPages,
	}
	for _, p := range allocations {
		ctx.initial[p] = struct{}{}
		ctx.allocations[p] = struct{}{}
	}
	return ctx
}

// StaticPages returns the size of the module image.
func (a *AllocationsContext) StaticPages() WasmPage { return a.staticPages }

// MaxPages returns the configured upper bound.
func (a *AllocationsContext) MaxPages() WasmPage { return a.maxPages }

// IsAllocated reports whether page is currently claimed.
func (a *AllocationsContext) IsAllocated(page WasmPage) bool {
	_, ok := a.allocations[page]
	return ok
}

// Alloc claims the lowest-addressed run of count free pages and returns its
// first page. Memory is grown when the run reaches past its current size.
func (a *AllocationsContext) Alloc(count WasmPage, mem Memory) (WasmPage, error) {
	if count == 0 {
		return 0, ErrZeroPages
	}
	start, ok := a.findRun(count)
	if !ok {
		return 0, fmt.Errorf("%w: %d pages requested, max %d", ErrOutOfMemory, count, a.maxPages)
	}
	end := start + count
	if mem != nil && end > mem.Size() {
		if err := mem.Grow(end - mem.Size()); err != nil {
			return 0, fmt.Errorf("%w: grow to %d pages: %v", ErrOutOfMemory, end, err)
		}
	}
	for p := start; p < end; p++ {
		a.allocations[p] = struct{}{}
	}
	return start, nil
}

func (a *AllocationsContext) findRun(count WasmPage) (WasmPage, bool) {
	run := WasmPage(0)
	for p := a.staticPages; p < a.maxPages; p++ {
		if _, taken := a.allocations[p]; taken {
			run = 0
			continue
		}
		run++
		if run == count {
			return p + 1 - count, true
		}
	}
	return 0, false
}

// Free unclaims page.
func (a *AllocationsContext) Free(page WasmPage) error {
	if _, ok := a.allocations[page]; !ok {
		return fmt.Errorf("%w: page %d", ErrNotAllocated, page)
	}
	delete(a.allocations, page)
	return nil
}

// Allocations returns the claimed set in ascending order.
func (a *AllocationsContext) Allocations() []WasmPage {
	return sortedPages(a.allocations)
}

// Diff reports whether the claimed set changed during the execution and, if
// so, returns the final set in ascending order.
func (a *AllocationsContext) Diff() ([]WasmPage, bool) {
	if len(a.initial) == len(a.allocations) {
		same := true
		for p := range a.initial {
			if _, ok := a.allocations[p]; !ok {
				same = false
				break
			}
		}
		if same {
			return nil, false
		}
	}
	return a.Allocations(), true
}

// Freed returns the pages claimed at start but not at the end, ascending.
func (a *AllocationsContext) Freed() []WasmPage {
	var out []WasmPage
	for p := range a.initial {
		if _, ok := a.allocations[p]; !ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func sortedPages(set map[WasmPage]struct{}) []WasmPage {
	out := make([]WasmPage, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
