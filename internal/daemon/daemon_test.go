package daemon

import (
	"net"
	"testing"

	"github.com/behrlich/dsm/internal/wire"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return New(Config{ListenAddr: "127.0.0.1:0", ServerExe: "/bin/true"})
}

func pipeConn(t *testing.T, d *Daemon) (int, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	id := d.register(server)
	return id, client
}

func TestGetSIDRejectsTooFewProcesses(t *testing.T) {
	d := newTestDaemon(t)
	connID, client := pipeConn(t, d)

	go d.handleGetSID(connID, wire.Message{Tag: wire.TagGetSID, SIDName: "s", PortOrN: 1})

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagDelSID {
		t.Fatalf("got tag %v, want DEL_SID", msg.Tag)
	}
}

func TestGetSIDCreatesSessionAndSpawnsServer(t *testing.T) {
	d := newTestDaemon(t)
	connID, _ := pipeConn(t, d)

	d.handleGetSID(connID, wire.Message{Tag: wire.TagGetSID, SIDName: "s", PortOrN: 4})

	sess, ok := d.sidtbl.Get("s")
	if !ok {
		t.Fatal("expected session to be created")
	}
	if sess.PortSet() {
		t.Fatal("expected session port to be unset until SET_SID arrives")
	}
	if len(sess.Waiters) != 1 || sess.Waiters[0] != connID {
		t.Fatalf("waiters = %v, want [%d]", sess.Waiters, connID)
	}
}

func TestSetSIDNotifiesWaiters(t *testing.T) {
	d := newTestDaemon(t)
	waiterID, waiterConn := pipeConn(t, d)
	serverID, _ := pipeConn(t, d)

	d.sidtbl.GetOrCreate("s")
	sess, _ := d.sidtbl.Get("s")
	sess.AddWaiter(waiterID)

	go d.handleSetSID(serverID, wire.Message{Tag: wire.TagSetSID, SIDName: "s", PortOrN: 9321})

	msg, err := wire.ReadMessage(waiterConn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagSetSID || msg.PortOrN != 9321 {
		t.Fatalf("got %+v, want SET_SID port 9321", msg)
	}
	if !sess.PortSet() || sess.Port != 9321 {
		t.Fatalf("session port = %d, want 9321", sess.Port)
	}
}

func TestDelSIDPurgesSession(t *testing.T) {
	d := newTestDaemon(t)
	connID, _ := pipeConn(t, d)

	d.sidtbl.GetOrCreate("s")
	d.handleDelSID(connID, wire.Message{Tag: wire.TagDelSID, SIDName: "s"})

	if _, ok := d.sidtbl.Get("s"); ok {
		t.Fatal("expected session to be removed")
	}
}

func TestGetSIDJoinsExistingSessionWithPort(t *testing.T) {
	d := newTestDaemon(t)
	sess, _ := d.sidtbl.GetOrCreate("s")
	sess.Port = 7000

	connID, client := pipeConn(t, d)
	go d.handleGetSID(connID, wire.Message{Tag: wire.TagGetSID, SIDName: "s", PortOrN: 4})

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagSetSID || msg.PortOrN != 7000 {
		t.Fatalf("got %+v, want SET_SID port 7000", msg)
	}
}

func TestListSessionsReportsEachTrackedSessionThenCloses(t *testing.T) {
	d := newTestDaemon(t)
	sess, _ := d.sidtbl.GetOrCreate("s")
	sess.Port = 7000
	sess.AddWaiter(1)
	sess.AddWaiter(2)

	connID, client := pipeConn(t, d)
	go d.handleListSessions(connID)

	msg, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Tag != wire.TagSessionInfo || msg.SIDName != "s" || msg.PortOrN != 7000 || msg.Nproc != 2 {
		t.Fatalf("got %+v, want SESSION_INFO s port=7000 waiters=2", msg)
	}

	if _, err := wire.ReadMessage(client); err == nil {
		t.Fatal("expected connection to be closed after the session list")
	}
}
