package arbiter

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/behrlich/dsm/internal/proctable"
	"github.com/behrlich/dsm/internal/region"
	"github.com/behrlich/dsm/internal/wire"
)

// newTestArbiter returns an Arbiter wired to a net.Pipe standing in for its
// TCP connection to the session-server, plus serverConn: the peer end a
// test reads from to observe what the arbiter sent upstream, and writes to
// in order to simulate a message arriving from the session-server.
func newTestArbiter(t *testing.T) (*Arbiter, net.Conn) {
	t.Helper()
	r, err := region.Open(filepath.Join(t.TempDir(), "region"), 8192)
	if err != nil {
		t.Fatalf("region.Open: %v", err)
	}
	if err := r.SetProt(region.ReadOnly); err != nil {
		t.Fatalf("SetProt: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	serverSide, serverConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close() })

	a := &Arbiter{
		local:   make(map[int]net.Conn),
		proctbl: proctable.New(),
		region:  r,
		server:  serverSide,
	}
	return a, serverConn
}

func pipeLocal(t *testing.T, a *Arbiter) (int, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	id := a.registerLocal(server)
	return id, client
}

func TestRelaysAddPIDToServer(t *testing.T) {
	a, peer := newTestArbiter(t)
	connID, _ := pipeLocal(t, a)

	go a.handleFromLocal(connID, wire.Message{Tag: wire.TagAddPID, PID: 42})

	msg, err := wire.ReadMessage(peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagAddPID || msg.PID != 42 {
		t.Fatalf("got %+v, want ADD_PID pid=42", msg)
	}
	if _, ok := a.proctbl.Lookup(proctable.Key{ConnID: connID, PID: 42}); !ok {
		t.Fatal("expected local process to be tracked")
	}
}

func TestWrtEndFromLocalForwardsAndAcksImmediately(t *testing.T) {
	// The writer's own arbiter never receives its own WRT_END echoed back
	// from the server (broadcastExcept skips the writer's connection), so
	// it must forward *and* ack in the same step or the write-serialization
	// FSM deadlocks waiting for a GOT_DATA that never comes.
	a, peer := newTestArbiter(t)
	id0, _ := pipeLocal(t, a)
	id1, _ := pipeLocal(t, a)
	a.proctbl.Insert(proctable.Key{ConnID: id0, PID: 1})
	a.proctbl.Insert(proctable.Key{ConnID: id1, PID: 2})

	go a.handleFromLocal(id0, wire.Message{Tag: wire.TagWrtEnd})

	forwarded, err := wire.ReadMessage(peer)
	if err != nil {
		t.Fatalf("ReadMessage WRT_END: %v", err)
	}
	if forwarded.Tag != wire.TagWrtEnd {
		t.Fatalf("got %+v, want WRT_END forwarded to server", forwarded)
	}

	ack, err := wire.ReadMessage(peer)
	if err != nil {
		t.Fatalf("ReadMessage GOT_DATA: %v", err)
	}
	if ack.Tag != wire.TagGotData || ack.Nproc != 2 {
		t.Fatalf("got %+v, want GOT_DATA nproc=2", ack)
	}
}

func TestApplyWriteCommitsToRegion(t *testing.T) {
	a, _ := newTestArbiter(t)
	a.applyWrite(10, []byte{1, 2, 3})

	if a.region.Prot() != region.ReadOnly {
		t.Fatalf("region left in %v after apply, want ReadOnly", a.region.Prot())
	}
	got := a.region.Bytes()[10:13]
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("applied bytes = %v, want [1 2 3]", got)
	}
}

func TestSetGIDClearsStoppedAndForwardsLocally(t *testing.T) {
	a, _ := newTestArbiter(t)
	connID, client := pipeLocal(t, a)
	a.proctbl.Insert(proctable.Key{ConnID: connID, PID: 7})
	proc, _ := a.proctbl.Lookup(proctable.Key{ConnID: connID, PID: 7})
	proc.Stopped = true

	go a.handleFromServer(wire.Message{Tag: wire.TagSetGID, PID: 7, GID: 3})

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagSetGID || msg.GID != 3 {
		t.Fatalf("got %+v, want SET_GID gid=3", msg)
	}
	if proc.Stopped {
		t.Fatal("expected Stopped to be cleared")
	}
}

func TestRelBarClearsBlockedWithoutForwardingToLocal(t *testing.T) {
	// dsm_arbiter.c's handler_rel_bar delivers barrier release via SIGCONT
	// alone; REL_BAR itself must never be forwarded to a local process
	// (Barrier never reads a reply, so a forwarded copy would sit unread
	// ahead of that rank's next socket read).
	a, _ := newTestArbiter(t)
	id0, c0 := pipeLocal(t, a)
	id1, c1 := pipeLocal(t, a)
	a.proctbl.Insert(proctable.Key{ConnID: id0, PID: 1})
	a.proctbl.Insert(proctable.Key{ConnID: id1, PID: 2})
	p0, _ := a.proctbl.Lookup(proctable.Key{ConnID: id0, PID: 1})
	p1, _ := a.proctbl.Lookup(proctable.Key{ConnID: id1, PID: 2})
	p0.Blocked = true
	p1.Blocked = true

	a.handleFromServer(wire.Message{Tag: wire.TagRelBar})

	if p0.Blocked || p1.Blocked {
		t.Fatal("expected Blocked cleared on both processes")
	}

	// Confirm nothing was queued for either local connection.
	if err := c0.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline c0: %v", err)
	}
	if _, err := wire.ReadMessage(c0); !isTimeout(err) {
		t.Fatalf("expected no message forwarded to c0, got err=%v", err)
	}
	if err := c1.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline c1: %v", err)
	}
	if _, err := wire.ReadMessage(c1); !isTimeout(err) {
		t.Fatalf("expected no message forwarded to c1, got err=%v", err)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func TestWrtEndFromServerSendsGotDataWithLocalCount(t *testing.T) {
	a, peer := newTestArbiter(t)
	id0, _ := pipeLocal(t, a)
	id1, _ := pipeLocal(t, a)
	a.proctbl.Insert(proctable.Key{ConnID: id0, PID: 1})
	a.proctbl.Insert(proctable.Key{ConnID: id1, PID: 2})

	go a.handleFromServer(wire.Message{Tag: wire.TagWrtEnd})

	msg, err := wire.ReadMessage(peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagGotData || msg.Nproc != 2 {
		t.Fatalf("got %+v, want GOT_DATA nproc=2", msg)
	}
}
