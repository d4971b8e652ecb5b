// Package wiretrace provides optional structured tracing of every wire
// message a session-server or arbiter handles, separate from the ambient
// slog-based internal/logger: this is a high-volume, opt-in diagnostic
// stream (one line per protocol message), so it gets its own
// zero-allocation-when-disabled logger rather than sharing the ambient
// one's text handler.
package wiretrace

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/behrlich/dsm/internal/wire"
)

// Tracer logs one structured event per wire message when enabled. A nil
// *Tracer is valid and a no-op, so callers never need a liveness check
// beyond the method call itself.
type Tracer struct {
	logger  zerolog.Logger
	enabled bool
}

// New builds a Tracer writing to w. Pass enabled=false (or a nil Tracer)
// to disable tracing entirely without branching at call sites.
func New(w io.Writer, enabled bool) *Tracer {
	return &Tracer{
		logger:  zerolog.New(w).With().Timestamp().Logger(),
		enabled: enabled,
	}
}

// Trace records one message handled by role (e.g. "sessionserver",
// "arbiter") on connection connID.
func (t *Tracer) Trace(role string, connID int, msg wire.Message) {
	if t == nil || !t.enabled {
		return
	}
	t.logger.Debug().
		Str("role", role).
		Int("conn", connID).
		Str("tag", msg.Tag.String()).
		Int32("pid", msg.PID).
		Int32("gid", msg.GID).
		Int64("offset", msg.Offset).
		Int64("size", msg.Size).
		Msg("wire")
}
