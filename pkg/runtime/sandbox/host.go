package sandbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"github.com/JuliaMoon1/gear/pkg/runtime/memory"
)

const hostModule = "env"

// AllocFailed is returned by gr_alloc when no pages are available.
const AllocFailed = math.MaxUint32

type hostCallKey struct{}

// hostCall is the per-execution state seen by host functions. The first
// unrecoverable error is recorded before unwinding the guest so it survives
// wazero's panic wrapping.
type hostCall struct {
	ext    Ext
	policy *Policy
	mem    *wasmMemory
	err    error
}

func withHostCall(ctx context.Context, c *hostCall) context.Context {
	return context.WithValue(ctx, hostCallKey{}, c)
}

func enter(ctx context.Context, name string) *hostCall {
	c, ok := ctx.Value(hostCallKey{}).(*hostCall)
	if !ok {
		panic(fmt.Errorf("sandbox: host function %s called outside an execution", name))
	}
	if c.err != nil {
		c.fail(c.err)
	}
	if err := c.policy.Check(name); err != nil {
		c.fail(err)
	}
	return c
}

func (c *hostCall) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	panic(c.err)
}

// status turns an Ext error into a guest status code, unwinding on
// unrecoverable errors.
func (c *hostCall) status(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	if code, ok := Recoverable(err); ok {
		return code
	}
	c.fail(err)
	return 0
}

func (c *hostCall) read(m api.Module, ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		c.fail(&SandboxError{Code: ErrCodeMemoryAccess, Message: fmt.Sprintf("read [%d, +%d) out of bounds", ptr, length)})
	}
	out := make([]byte, length)
	copy(out, data)
	return out
}

func (c *hostCall) write(m api.Module, ptr uint32, data []byte) {
	if !m.Memory().Write(ptr, data) {
		c.fail(&SandboxError{Code: ErrCodeMemoryAccess, Message: fmt.Sprintf("write [%d, +%d) out of bounds", ptr, len(data))})
	}
}

func (c *hostCall) readID(m api.Module, ptr uint32) [ids.Size]byte {
	var id [ids.Size]byte
	copy(id[:], c.read(m, ptr, ids.Size))
	return id
}

func (c *hostCall) must(v uint64, err error) uint64 {
	if err != nil {
		c.fail(err)
	}
	return v
}

// instantiateHost links the host module every guest imports from.
func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	b := r.NewHostModuleBuilder(hostModule)
	export := func(name string, fn interface{}) {
		b = b.NewFunctionBuilder().WithFunc(fn).Export(name)
	}

	export("gas", func(ctx context.Context, amount uint64) {
		c := enter(ctx, "gas")
		if err := c.ext.Gas(amount); err != nil {
			c.fail(err)
		}
	})
	export("gr_alloc", func(ctx context.Context, pages uint32) uint32 {
		c := enter(ctx, "gr_alloc")
		var mem memory.Memory = c.ext.Pages()
		if c.mem != nil {
			mem = c.mem
		}
		page, err := c.ext.Alloc(memory.WasmPage(pages), mem)
		if errors.Is(err, memory.ErrOutOfMemory) || errors.Is(err, memory.ErrZeroPages) {
			return AllocFailed
		}
		if err != nil {
			c.fail(err)
		}
		return uint32(page)
	})
	export("gr_free", func(ctx context.Context, page uint32) uint32 {
		c := enter(ctx, "gr_free")
		return c.status(c.ext.Free(memory.WasmPage(page)))
	})
	export("gr_gas_available", func(ctx context.Context) uint64 {
		c := enter(ctx, "gr_gas_available")
		return c.must(c.ext.GasAvailable())
	})
	export("gr_value_available", func(ctx context.Context) uint64 {
		c := enter(ctx, "gr_value_available")
		return c.must(c.ext.ValueAvailable())
	})
	export("gr_block_height", func(ctx context.Context) uint64 {
		c := enter(ctx, "gr_block_height")
		return c.must(c.ext.BlockHeight())
	})
	export("gr_block_timestamp", func(ctx context.Context) uint64 {
		c := enter(ctx, "gr_block_timestamp")
		return c.must(c.ext.BlockTimestamp())
	})
	export("gr_msg_id", func(ctx context.Context, m api.Module, out uint32) {
		c := enter(ctx, "gr_msg_id")
		id, err := c.ext.MessageID()
		if err != nil {
			c.fail(err)
		}
		c.write(m, out, id[:])
	})
	export("gr_program_id", func(ctx context.Context, m api.Module, out uint32) {
		c := enter(ctx, "gr_program_id")
		id, err := c.ext.ProgramID()
		if err != nil {
			c.fail(err)
		}
		c.write(m, out, id[:])
	})
	export("gr_source", func(ctx context.Context, m api.Module, out uint32) {
		c := enter(ctx, "gr_source")
		id, err := c.ext.Source()
		if err != nil {
			c.fail(err)
		}
		c.write(m, out, id[:])
	})
	export("gr_value", func(ctx context.Context) uint64 {
		c := enter(ctx, "gr_value")
		return c.must(c.ext.Value())
	})
	export("gr_size", func(ctx context.Context) uint32 {
		c := enter(ctx, "gr_size")
		n, err := c.ext.Size()
		if err != nil {
			c.fail(err)
		}
		return n
	})
	export("gr_read", func(ctx context.Context, m api.Module, at, length, out uint32) uint32 {
		c := enter(ctx, "gr_read")
		data, err := c.ext.Read(at, length)
		if err != nil {
			c.fail(err)
		}
		c.write(m, out, data)
		return StatusOK
	})
	export("gr_send", func(ctx context.Context, m api.Module, dest, ptr, length uint32, gasLimit, value uint64, out uint32) uint32 {
		c := enter(ctx, "gr_send")
		id, err := c.ext.Send(ids.ProgramID(c.readID(m, dest)), c.read(m, ptr, length), gasLimit, value)
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, id[:])
		return StatusOK
	})
	export("gr_send_init", func(ctx context.Context, m api.Module, dest, out uint32) uint32 {
		c := enter(ctx, "gr_send_init")
		h, err := c.ext.SendInit(ids.ProgramID(c.readID(m, dest)))
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, binary.LittleEndian.AppendUint32(nil, h))
		return StatusOK
	})
	export("gr_send_push", func(ctx context.Context, m api.Module, handle, ptr, length uint32) uint32 {
		c := enter(ctx, "gr_send_push")
		return c.status(c.ext.SendPush(handle, c.read(m, ptr, length)))
	})
	export("gr_send_commit", func(ctx context.Context, m api.Module, handle uint32, gasLimit, value uint64, out uint32) uint32 {
		c := enter(ctx, "gr_send_commit")
		id, err := c.ext.SendCommit(handle, gasLimit, value)
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, id[:])
		return StatusOK
	})
	export("gr_reply", func(ctx context.Context, m api.Module, ptr, length uint32, gasLimit, value uint64, out uint32) uint32 {
		c := enter(ctx, "gr_reply")
		id, err := c.ext.Reply(c.read(m, ptr, length), gasLimit, value)
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, id[:])
		return StatusOK
	})
	export("gr_reply_push", func(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
		c := enter(ctx, "gr_reply_push")
		return c.status(c.ext.ReplyPush(c.read(m, ptr, length)))
	})
	export("gr_reply_commit", func(ctx context.Context, m api.Module, gasLimit, value uint64, out uint32) uint32 {
		c := enter(ctx, "gr_reply_commit")
		id, err := c.ext.ReplyCommit(gasLimit, value)
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, id[:])
		return StatusOK
	})
	export("gr_reply_to", func(ctx context.Context, m api.Module, out uint32) uint32 {
		c := enter(ctx, "gr_reply_to")
		id, err := c.ext.ReplyTo()
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, id[:])
		return StatusOK
	})
	export("gr_exit_code", func(ctx context.Context, m api.Module, out uint32) uint32 {
		c := enter(ctx, "gr_exit_code")
		code, err := c.ext.ExitCode()
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, binary.LittleEndian.AppendUint32(nil, uint32(code)))
		return StatusOK
	})
	export("gr_create_program", func(ctx context.Context, m api.Module, code, saltPtr, saltLen, payloadPtr, payloadLen uint32, gasLimit, value uint64, out uint32) uint32 {
		c := enter(ctx, "gr_create_program")
		pid, _, err := c.ext.CreateProgram(ids.CodeID(c.readID(m, code)), c.read(m, saltPtr, saltLen), c.read(m, payloadPtr, payloadLen), gasLimit, value)
		if st := c.status(err); st != StatusOK {
			return st
		}
		c.write(m, out, pid[:])
		return StatusOK
	})
	export("gr_debug", func(ctx context.Context, m api.Module, ptr, length uint32) {
		c := enter(ctx, "gr_debug")
		if err := c.ext.Debug(c.read(m, ptr, length)); err != nil {
			c.fail(err)
		}
	})
	export("gr_wait", func(ctx context.Context) {
		c := enter(ctx, "gr_wait")
		c.fail(c.ext.Wait())
	})
	export("gr_wake", func(ctx context.Context, m api.Module, id uint32) uint32 {
		c := enter(ctx, "gr_wake")
		return c.status(c.ext.Wake(ids.MessageID(c.readID(m, id))))
	})
	export("gr_exit", func(ctx context.Context, m api.Module, inheritor uint32) {
		c := enter(ctx, "gr_exit")
		c.fail(c.ext.Exit(ids.ProgramID(c.readID(m, inheritor))))
	})

	_, err := b.Instantiate(ctx)
	return err
}
