package client

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/behrlich/dsm/internal/region"
	"github.com/behrlich/dsm/internal/wire"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	r, err := region.Open(filepath.Join(t.TempDir(), "region"), 8192)
	if err != nil {
		t.Fatalf("region.Open: %v", err)
	}
	if err := r.SetProt(region.ReadOnly); err != nil {
		t.Fatalf("SetProt: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close() })

	s := &Session{pid: 1234, conn: local, region: r, gid: 5}
	return s, remote
}

func TestWriteInHoleSkipsProtocolRoundTrip(t *testing.T) {
	s, remote := newTestSession(t)
	if _, err := s.DigHole(0, 4); err != nil {
		t.Fatalf("DigHole: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Write(0, []byte{9, 9, 9, 9}) }()

	// A hole write must never touch the wire; if it did, Write would block
	// on the unread pipe and the test would hang at <-done.
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Bytes()[0:4]; got[0] != 9 {
		t.Fatalf("region bytes = %v, want written locally", got)
	}
	_ = remote
}

func TestWriteOutsideHoleRequestsAndShips(t *testing.T) {
	s, remote := newTestSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Write(10, []byte("hi")) }()

	req, err := wire.ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage REQ_WRT: %v", err)
	}
	if req.Tag != wire.TagReqWrt || req.PID != 1234 {
		t.Fatalf("got %+v, want REQ_WRT pid=1234", req)
	}

	if err := wire.WriteMessage(remote, wire.Message{Tag: wire.TagWrtNow, PID: 1234}); err != nil {
		t.Fatalf("WriteMessage WRT_NOW: %v", err)
	}

	data, err := wire.ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage WRT_DATA: %v", err)
	}
	if data.Tag != wire.TagWrtData || string(data.Data) != "hi" || data.Offset != 10 {
		t.Fatalf("got %+v, want WRT_DATA offset=10 data=hi", data)
	}

	end, err := wire.ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage WRT_END: %v", err)
	}
	if end.Tag != wire.TagWrtEnd {
		t.Fatalf("got %+v, want WRT_END", end)
	}

	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Bytes()[10:12]; string(got) != "hi" {
		t.Fatalf("region bytes = %q, want hi", got)
	}
}

func TestWaitSemBlocksUntilWakeup(t *testing.T) {
	s, remote := newTestSession(t)

	done := make(chan error, 1)
	go func() { done <- s.WaitSem("door") }()

	req, err := wire.ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage WAIT_SEM: %v", err)
	}
	if req.Tag != wire.TagWaitSem || req.SIDName != "door" {
		t.Fatalf("got %+v, want WAIT_SEM door", req)
	}

	if err := wire.WriteMessage(remote, wire.Message{Tag: wire.TagPostSem, SIDName: "door", PID: 1234}); err != nil {
		t.Fatalf("WriteMessage POST_SEM: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitSem: %v", err)
	}
}

func TestFillHoleShipsEntireRangeThenClearsHole(t *testing.T) {
	s, remote := newTestSession(t)
	if err := s.region.SetProt(region.ReadWrite); err != nil {
		t.Fatalf("SetProt RW: %v", err)
	}
	s.region.Apply(0, []byte("abcd"))
	if err := s.region.SetProt(region.ReadOnly); err != nil {
		t.Fatalf("SetProt RO: %v", err)
	}

	id, err := s.DigHole(0, 4)
	if err != nil {
		t.Fatalf("DigHole: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.FillHole(id) }()

	if _, err := wire.ReadMessage(remote); err != nil {
		t.Fatalf("ReadMessage REQ_WRT: %v", err)
	}
	if err := wire.WriteMessage(remote, wire.Message{Tag: wire.TagWrtNow, PID: 1234}); err != nil {
		t.Fatalf("WriteMessage WRT_NOW: %v", err)
	}
	data, err := wire.ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage WRT_DATA: %v", err)
	}
	if string(data.Data) != "abcd" {
		t.Fatalf("got data %q, want abcd", data.Data)
	}
	if _, err := wire.ReadMessage(remote); err != nil {
		t.Fatalf("ReadMessage WRT_END: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("FillHole: %v", err)
	}
	if s.holes.InHole(0, 1) {
		t.Fatal("expected hole to be cleared after fill")
	}
}
