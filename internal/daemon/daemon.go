// Package daemon implements the host-level session directory (§4.1): a
// singleton process mapping session names to the network address of their
// session-server, spawning a server on first request and retracting the
// mapping when it exits. Rewritten from the teacher's agent-orchestration
// daemon into a single coordinator goroutine fed by per-connection reader
// goroutines over a channel, the same shape the teacher's Run supervised
// its transport/timeline goroutines with, here generalized with errgroup.
package daemon

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/dsm/internal/launch"
	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/sidtable"
	"github.com/behrlich/dsm/internal/wire"
)

// Config configures a Daemon's listener and how it spawns session-servers.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:9000"
	ServerExe  string // path to the dsm-server binary
	LogDir     string // directory for spawned servers' stdio logs
}

type connEvent struct {
	connID int
	msg    wire.Message
	err    error
}

// Daemon is the running session directory.
type Daemon struct {
	cfg Config

	mu     sync.Mutex
	conns  map[int]net.Conn
	nextID int
	sidtbl *sidtable.Table
}

// New constructs a Daemon from cfg.
func New(cfg Config) *Daemon {
	return &Daemon{
		cfg:    cfg,
		conns:  make(map[int]net.Conn),
		sidtbl: sidtable.New(),
	}
}

// Run accepts connections on cfg.ListenAddr and serves them until ctx is
// canceled or the listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.cfg.ListenAddr, err)
	}

	events := make(chan connEvent, 64)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			connID := d.register(conn)
			go d.readLoop(connID, conn, events)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-events:
				d.handle(ev)
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Daemon) register(conn net.Conn) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.conns[id] = conn
	return id
}

func (d *Daemon) readLoop(connID int, conn net.Conn, events chan<- connEvent) {
	for {
		msg, err := wire.ReadMessage(conn)
		events <- connEvent{connID: connID, msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (d *Daemon) conn(connID int) (net.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connID]
	return c, ok
}

func (d *Daemon) closeConn(connID int) {
	d.mu.Lock()
	conn, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (d *Daemon) handle(ev connEvent) {
	if ev.err != nil {
		logger.Warn("daemon: connection closed", "conn", ev.connID, "err", ev.err)
		d.closeConn(ev.connID)
		return
	}

	switch ev.msg.Tag {
	case wire.TagGetSID:
		d.handleGetSID(ev.connID, ev.msg)
	case wire.TagSetSID:
		d.handleSetSID(ev.connID, ev.msg)
	case wire.TagDelSID:
		d.handleDelSID(ev.connID, ev.msg)
	case wire.TagListSessions:
		d.handleListSessions(ev.connID)
	default:
		logger.Warn("daemon: unexpected message", "conn", ev.connID, "tag", ev.msg.Tag)
		d.closeConn(ev.connID)
	}
}

func (d *Daemon) handleGetSID(connID int, msg wire.Message) {
	if msg.PortOrN < 2 {
		d.send(connID, wire.Message{Tag: wire.TagDelSID, SIDName: msg.SIDName})
		d.closeConn(connID)
		return
	}

	sess, created := d.sidtbl.GetOrCreate(msg.SIDName)
	if created {
		sess.AddWaiter(connID)
		if err := d.spawnServer(msg.SIDName, int(msg.PortOrN)); err != nil {
			logger.Error("daemon: spawn session-server failed", "name", msg.SIDName, "err", err)
			d.send(connID, wire.Message{Tag: wire.TagDelSID, SIDName: msg.SIDName})
			d.closeConn(connID)
			d.sidtbl.Delete(msg.SIDName)
		}
		return
	}

	if sess.PortSet() {
		d.send(connID, wire.Message{Tag: wire.TagSetSID, SIDName: msg.SIDName, PortOrN: int32(sess.Port)})
		d.closeConn(connID)
		return
	}

	sess.AddWaiter(connID)
}

func (d *Daemon) handleSetSID(connID int, msg wire.Message) {
	sess, ok := d.sidtbl.Get(msg.SIDName)
	if !ok {
		logger.Warn("daemon: SET_SID for unknown session", "name", msg.SIDName)
		d.closeConn(connID)
		return
	}
	sess.Port = int(msg.PortOrN)
	for _, waiterID := range sess.TakeWaiters() {
		d.send(waiterID, wire.Message{Tag: wire.TagSetSID, SIDName: msg.SIDName, PortOrN: msg.PortOrN})
		d.closeConn(waiterID)
	}
	d.closeConn(connID)
}

func (d *Daemon) handleDelSID(connID int, msg wire.Message) {
	if sess, ok := d.sidtbl.Get(msg.SIDName); ok {
		for _, waiterID := range sess.TakeWaiters() {
			d.closeConn(waiterID)
		}
		d.sidtbl.Delete(msg.SIDName)
	}
	d.closeConn(connID)
}

// handleListSessions answers dsmctl's inspection query: one SESSION_INFO
// per tracked session, then close the connection to signal end-of-list.
// The supplemented CLI reifies dsm_showSocketInfo's debug printf as a real
// subcommand instead of stdout noise.
func (d *Daemon) handleListSessions(connID int) {
	d.sidtbl.Each(func(s *sidtable.Session) {
		d.send(connID, wire.Message{
			Tag:     wire.TagSessionInfo,
			SIDName: s.Name,
			PortOrN: int32(s.Port),
			Nproc:   int32(len(s.Waiters)),
		})
	})
	d.closeConn(connID)
}

func (d *Daemon) send(connID int, msg wire.Message) {
	conn, ok := d.conn(connID)
	if !ok {
		return
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		logger.Warn("daemon: send failed", "conn", connID, "err", err)
	}
}

// spawnServer daemonizes a dsm-server for a freshly created session, the
// Go re-exec replacement for fork_session_server's double-fork + execl.
func (d *Daemon) spawnServer(name string, nproc int) error {
	args := []string{"--session", name, "--nproc", strconv.Itoa(nproc), "--daemon-addr", d.cfg.ListenAddr}
	logFile := ""
	if d.cfg.LogDir != "" {
		logFile = filepath.Join(d.cfg.LogDir, "dsm-server-"+name+".log")
	}
	_, err := launch.Detached(d.cfg.ServerExe, args, logFile)
	return err
}
