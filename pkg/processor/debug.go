package processor

import (
	"log/slog"
	"sync/atomic"

	"github.com/JuliaMoon1/gear/pkg/ids"
	"golang.org/x/time/rate"
)

// maxDebugBytes caps a single guest debug line in the log.
const maxDebugBytes = 1024

// debugSink forwards guest debug output to the engine logger. Output is
// throttled so a guest cannot flood the host log; throttling never affects
// the journal.
type debugSink struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func newDebugSink(logger *slog.Logger, limit rate.Limit, burst int) *debugSink {
	return &debugSink{logger: logger, limiter: rate.NewLimiter(limit, burst)}
}

func (d *debugSink) write(program ids.ProgramID, msg ids.MessageID, data []byte) {
	if d == nil {
		return
	}
	if !d.limiter.Allow() {
		d.dropped.Add(1)
		return
	}
	if len(data) > maxDebugBytes {
		data = data[:maxDebugBytes]
	}
	attrs := []any{"program_id", program, "message_id", msg, "data", string(data)}
	if n := d.dropped.Swap(0); n > 0 {
		attrs = append(attrs, "dropped", n)
	}
	d.logger.Debug("guest debug", attrs...)
}
