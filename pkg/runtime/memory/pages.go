// Package memory defines page geometry and the allocation tracker of a
// program's linear memory.
package memory

import (
	"encoding/base64"
	"fmt"
)

const (
	// WasmPageSize is the size of one WebAssembly page.
	WasmPageSize = 64 * 1024
	// PageSize is the size of one native page, the unit of persistence.
	PageSize = 4 * 1024
	// PagesPerWasmPage is the number of native pages in one WASM page.
	PagesPerWasmPage = WasmPageSize / PageSize
	// MaxWasmPages is the hard upper bound of a 32-bit linear memory.
	MaxWasmPages WasmPage = 65536
)

// WasmPage numbers a 64 KiB WebAssembly page.
type WasmPage uint32

// Page numbers a 4 KiB native page.
type Page uint32

// Offset returns the byte offset of the page start.
func (p WasmPage) Offset() uint64 { return uint64(p) * WasmPageSize }

// FirstPage returns the first native page inside p.
func (p WasmPage) FirstPage() Page { return Page(uint32(p) * PagesPerWasmPage) }

// Pages returns every native page inside p in ascending order.
func (p WasmPage) Pages() []Page {
	out := make([]Page, PagesPerWasmPage)
	first := p.FirstPage()
	for i := range out {
		out[i] = first + Page(i)
	}
	return out
}

// Offset returns the byte offset of the page start.
func (p Page) Offset() uint64 { return uint64(p) * PageSize }

// WasmPage returns the WASM page containing p.
func (p Page) WasmPage() WasmPage { return WasmPage(uint32(p) / PagesPerWasmPage) }

// PageOf returns the native page containing the byte at offset.
func PageOf(offset uint64) Page { return Page(offset / PageSize) }

// PagesInRange returns the native pages overlapped by [offset, offset+length).
func PagesInRange(offset, length uint64) []Page {
	if length == 0 {
		return nil
	}
	first := PageOf(offset)
	last := PageOf(offset + length - 1)
	out := make([]Page, 0, last-first+1)
	for p := first; p <= last; p++ {
		out = append(out, p)
	}
	return out
}

// PageBuf holds the bytes of one native page. It encodes as base64 text.
type PageBuf [PageSize]byte

// IsZero reports whether every byte of the page is zero.
func (b *PageBuf) IsZero() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (b PageBuf) MarshalText() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(PageSize))
	base64.StdEncoding.Encode(out, b[:])
	return out, nil
}

func (b *PageBuf) UnmarshalText(text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("page buf: %w", err)
	}
	if n != PageSize {
		return fmt.Errorf("page buf: expected %d bytes, got %d", PageSize, n)
	}
	copy(b[:], raw[:n])
	return nil
}

// PageBufFromBytes copies data into a page buffer. data must be exactly one page.
func PageBufFromBytes(data []byte) (*PageBuf, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("page buf: expected %d bytes, got %d", PageSize, len(data))
	}
	var b PageBuf
	copy(b[:], data)
	return &b, nil
}

// Memory is the linear memory of a running program as seen by the allocator.
type Memory interface {
	// Size returns the current size in WASM pages.
	Size() WasmPage
	// Grow extends memory by delta pages.
	Grow(delta WasmPage) error
}
