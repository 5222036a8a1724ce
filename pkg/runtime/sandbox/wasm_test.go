package sandbox

import "encoding/binary"

// Minimal WebAssembly binary encoder for building test modules.

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e

	opUnreachable byte = 0x00
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opLocalGet    byte = 0x20
	opI32Load     byte = 0x28
	opI32Store    byte = 0x36
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opEnd         byte = 0x0b
)

type wasmType struct {
	params, results []byte
}

type wasmImport struct {
	module, name string
	typ          int
}

type wasmFunc struct {
	typ    int
	export string
	body   []byte
}

type wasmData struct {
	offset uint32
	bytes  []byte
}

type wasmModule struct {
	types    []wasmType
	imports  []wasmImport
	funcs    []wasmFunc
	memPages uint32
	noMemory bool
	data     []wasmData
}

func (m *wasmModule) typeIndex(params, results []byte) int {
	for i, t := range m.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return i
		}
	}
	m.types = append(m.types, wasmType{params: params, results: results})
	return len(m.types) - 1
}

// importFunc declares an import and returns its function index. Imports
// must be declared before functions.
func (m *wasmModule) importFunc(module, name string, params, results []byte) uint32 {
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

func (m *wasmModule) export(name string, body []byte) {
	m.funcs = append(m.funcs, wasmFunc{typ: m.typeIndex(nil, nil), export: name, body: body})
}

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

func (m *wasmModule) bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, t := range m.types {
		ft := []byte{0x60}
		ft = append(ft, uleb(uint64(len(t.params)))...)
		ft = append(ft, t.params...)
		ft = append(ft, uleb(uint64(len(t.results)))...)
		ft = append(ft, t.results...)
		types = append(types, ft)
	}
	out = append(out, section(1, vec(types))...)

	if len(m.imports) > 0 {
		var imps [][]byte
		for _, imp := range m.imports {
			e := append(name(imp.module), name(imp.name)...)
			e = append(e, 0x00)
			e = append(e, uleb(uint64(imp.typ))...)
			imps = append(imps, e)
		}
		out = append(out, section(2, vec(imps))...)
	}

	var fns [][]byte
	for _, f := range m.funcs {
		fns = append(fns, uleb(uint64(f.typ)))
	}
	out = append(out, section(3, vec(fns))...)

	if !m.noMemory {
		out = append(out, section(5, vec([][]byte{append([]byte{0x00}, uleb(uint64(m.memPages))...)}))...)
	}

	var exports [][]byte
	if !m.noMemory {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		e := append(name(f.export), 0x00)
		e = append(e, uleb(uint64(len(m.imports)+i))...)
		exports = append(exports, e)
	}
	out = append(out, section(7, vec(exports))...)

	var codes [][]byte
	for _, f := range m.funcs {
		body := append([]byte{0x00}, f.body...)
		body = append(body, opEnd)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}
	out = append(out, section(10, vec(codes))...)

	if len(m.data) > 0 {
		var segs [][]byte
		for _, d := range m.data {
			s := []byte{0x00, opI32Const}
			s = append(s, sleb(int64(int32(d.offset)))...)
			s = append(s, opEnd)
			s = append(s, uleb(uint64(len(d.bytes)))...)
			s = append(s, d.bytes...)
			segs = append(segs, s)
		}
		out = append(out, section(11, vec(segs))...)
	}
	return out
}

// Instruction helpers.

func i32(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }

func i64(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }

func call(idx uint32) []byte { return append([]byte{opCall}, uleb(uint64(idx))...) }

func store32(addr, value int32) []byte {
	out := append(i32(addr), i32(value)...)
	return append(out, opI32Store, 0x02, 0x00)
}

func load32(addr int32) []byte {
	return append(i32(addr), opI32Load, 0x02, 0x00)
}

func code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
