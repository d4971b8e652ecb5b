// Package arbiter implements the host-local relay between worker processes
// and the session-server (§4.3): forwards local requests upstream, applies
// broadcast writes to the host's local copy of the shared region, and
// dispatches server decisions (GID assignment, barrier release, semaphore
// wakeups, write grants) back to the owning local process.
package arbiter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/proctable"
	"github.com/behrlich/dsm/internal/region"
	"github.com/behrlich/dsm/internal/wire"
	"github.com/behrlich/dsm/internal/wiretrace"
)

// Config configures one arbiter instance.
type Config struct {
	ListenAddr string // local loopback address workers dial, e.g. "127.0.0.1:9100"
	ServerAddr string // session-server's host:port
	RegionPath string // local host's shared-region backing file
	RegionSize int64

	Trace *wiretrace.Tracer // optional per-message tracing, nil disables it
}

type connEvent struct {
	connID int
	from   source
	msg    wire.Message
	err    error
}

type source int

const (
	fromServer source = iota
	fromLocal
)

// Arbiter is the running host-local relay.
type Arbiter struct {
	cfg Config

	mu       sync.Mutex
	local    map[int]net.Conn
	nextID   int
	proctbl  *proctable.Table // keyed by {ConnID: local connID, PID: local pid}
	region   *region.Region
	server   net.Conn
	started  bool
	msgCount uint64
}

// New dials the session server and attaches to (creating if needed) the
// local shared region, following dsm_arbiter.c's getServerSocket and
// dsm_getSharedFile/dsm_mapSharedFile.
func New(cfg Config) (*Arbiter, error) {
	serverConn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("arbiter: dial session-server %s: %w", cfg.ServerAddr, err)
	}

	r, err := region.Open(cfg.RegionPath, cfg.RegionSize)
	if err != nil {
		serverConn.Close()
		return nil, fmt.Errorf("arbiter: open region: %w", err)
	}
	if err := r.SetProt(region.ReadOnly); err != nil {
		serverConn.Close()
		r.Close()
		return nil, fmt.Errorf("arbiter: protect region: %w", err)
	}

	return &Arbiter{
		cfg:     cfg,
		local:   make(map[int]net.Conn),
		proctbl: proctable.New(),
		region:  r,
		server:  serverConn,
	}, nil
}

// Run listens for local worker connections and relays between them and the
// session-server until ctx is canceled or the server connection drops.
func (a *Arbiter) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("arbiter: listen on %s: %w", a.cfg.ListenAddr, err)
	}
	defer ln.Close()
	defer a.region.Close()

	events := make(chan connEvent, 64)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		a.server.Close()
		return ctx.Err()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			if a.started {
				logger.Warn("arbiter: rejecting late local connection after session start")
				conn.Close()
				continue
			}
			connID := a.registerLocal(conn)
			go a.readLoop(connID, conn, fromLocal, events)
		}
	})

	g.Go(func() error {
		a.readLoop(-1, a.server, fromServer, events)
		return fmt.Errorf("arbiter: lost connection to session-server")
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-events:
				a.handle(ev)
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Arbiter) registerLocal(conn net.Conn) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.local[id] = conn
	return id
}

func (a *Arbiter) readLoop(connID int, conn net.Conn, from source, events chan<- connEvent) {
	for {
		msg, err := wire.ReadMessage(conn)
		events <- connEvent{connID: connID, from: from, msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (a *Arbiter) localConn(connID int) (net.Conn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.local[connID]
	return c, ok
}

func (a *Arbiter) closeLocal(connID int) {
	a.mu.Lock()
	conn, ok := a.local[connID]
	delete(a.local, connID)
	a.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (a *Arbiter) sendLocal(connID int, msg wire.Message) {
	conn, ok := a.localConn(connID)
	if !ok {
		return
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		logger.Warn("arbiter: send to local process failed", "conn", connID, "err", err)
	}
}

func (a *Arbiter) sendServer(msg wire.Message) {
	if err := wire.WriteMessage(a.server, msg); err != nil {
		logger.Warn("arbiter: send to session-server failed", "err", err)
	}
}

func (a *Arbiter) handle(ev connEvent) {
	if ev.err != nil {
		if ev.from == fromLocal {
			a.proctbl.RemoveConn(ev.connID)
			a.closeLocal(ev.connID)
		}
		return
	}

	a.msgCount++
	role := "arbiter<-local"
	if ev.from == fromServer {
		role = "arbiter<-server"
	}
	a.cfg.Trace.Trace(role, ev.connID, ev.msg)
	if ev.from == fromServer {
		a.handleFromServer(ev.msg)
		return
	}
	a.handleFromLocal(ev.connID, ev.msg)
}

// handleFromLocal implements the relay rules and the local writer's
// WRT_DATA/WRT_END forwarding.
func (a *Arbiter) handleFromLocal(connID int, msg wire.Message) {
	switch msg.Tag {
	case wire.TagAddPID:
		a.proctbl.Insert(proctable.Key{ConnID: connID, PID: msg.PID})
		a.sendServer(msg)
	case wire.TagReqWrt, wire.TagHitBar, wire.TagPostSem, wire.TagWaitSem, wire.TagWrtData:
		a.sendServer(msg)
	case wire.TagWrtEnd:
		// The writer's own arbiter never sees its WRT_END echoed back from
		// the server (broadcastExcept skips the writer's connection), so it
		// must ack here rather than waiting for the fromServer case below.
		a.sendServer(msg)
		a.sendServer(wire.Message{Tag: wire.TagGotData, Nproc: int32(a.proctbl.Len())})
	case wire.TagExit:
		a.proctbl.RemoveConn(connID)
		a.closeLocal(connID)
		a.sendServer(msg)
	default:
		logger.Warn("arbiter: unexpected message from local process", "conn", connID, "tag", msg.Tag)
	}
}

// handleFromServer applies broadcast writes and dispatches server
// decisions back to the owning local process.
func (a *Arbiter) handleFromServer(msg wire.Message) {
	switch msg.Tag {
	case wire.TagWrtData:
		a.applyWrite(msg.Offset, msg.Data)
	case wire.TagWrtEnd:
		a.sendServer(wire.Message{Tag: wire.TagGotData, Nproc: int32(a.proctbl.Len())})
	case wire.TagSetGID:
		if proc := a.findByPID(msg.PID); proc != nil {
			proc.Stopped = false
			a.sendLocal(proc.ConnID, msg)
		}
	case wire.TagRelBar:
		// The original delivers barrier release via SIGCONT alone
		// (dsm_arbiter.c's handler_rel_bar never sends a wire message to
		// the worker); forwarding REL_BAR itself would sit unread in a
		// process's socket buffer since Barrier never reads a reply.
		a.proctbl.Each(func(p *proctable.Process) {
			p.Blocked = false
			if !p.Stopped && !p.Queued {
				unix.Kill(int(p.PID), unix.SIGCONT)
			}
		})
	case wire.TagPostSem:
		if proc := a.findByPID(msg.PID); proc != nil {
			proc.Blocked = false
			a.sendLocal(proc.ConnID, msg)
		}
	case wire.TagWrtNow:
		if proc := a.findByPID(msg.PID); proc != nil {
			proc.Queued = false
			a.sendLocal(proc.ConnID, msg)
		}
	case wire.TagCntAll:
		// Likewise, CNT_ALL is purely the arbiter's own cue that the join
		// phase is over; nothing in the client runtime ever reads it, so
		// forwarding it would leave it unconsumed ahead of a later reply.
		a.started = true
	default:
		logger.Warn("arbiter: unexpected message from session-server", "tag", msg.Tag)
	}
}

func (a *Arbiter) findByPID(pid int32) *proctable.Process {
	var found *proctable.Process
	a.proctbl.Each(func(p *proctable.Process) {
		if p.PID == pid {
			found = p
		}
	})
	return found
}

// applyWrite implements the arbiter's local commit of a broadcast write:
// briefly switch to ReadWrite, copy the bytes, switch back.
func (a *Arbiter) applyWrite(offset int64, data []byte) {
	if err := a.region.SetProt(region.ReadWrite); err != nil {
		logger.Error("arbiter: unprotect region for apply", "err", err)
		return
	}
	a.region.Apply(offset, data)
	if err := a.region.SetProt(region.ReadOnly); err != nil {
		logger.Error("arbiter: reprotect region after apply", "err", err)
	}
}

// MessageCount returns the number of messages exchanged so far, the
// message-count counter dsm_arbiter.c tracked for its shutdown report.
func (a *Arbiter) MessageCount() uint64 { return a.msgCount }
