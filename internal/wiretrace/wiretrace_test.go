package wiretrace

import (
	"bytes"
	"strings"
	"testing"

	"github.com/behrlich/dsm/internal/wire"
)

func TestTraceWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, true)
	tr.Trace("sessionserver", 3, wire.Message{Tag: wire.TagReqWrt, PID: 42})

	out := buf.String()
	if !strings.Contains(out, "REQ_WRT") || !strings.Contains(out, "sessionserver") {
		t.Fatalf("trace output missing expected fields: %s", out)
	}
}

func TestTraceSilentWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, false)
	tr.Trace("arbiter", 1, wire.Message{Tag: wire.TagHitBar})

	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestNilTracerIsNoOp(t *testing.T) {
	var tr *Tracer
	tr.Trace("daemon", 0, wire.Message{Tag: wire.TagExit})
}
