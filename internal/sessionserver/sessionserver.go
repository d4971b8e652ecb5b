// Package sessionserver implements the per-session global coordinator of
// §4.2: process-ID assignment, write serialization across all arbiters,
// the barrier, and named-semaphore logic. One instance exists per named
// session, daemon-spawned and torn down when its last arbiter disconnects.
package sessionserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/opqueue"
	"github.com/behrlich/dsm/internal/proctable"
	"github.com/behrlich/dsm/internal/region"
	"github.com/behrlich/dsm/internal/semtable"
	"github.com/behrlich/dsm/internal/wire"
	"github.com/behrlich/dsm/internal/wiretrace"
)

// Config configures one session-server instance.
type Config struct {
	ListenAddr string // local bind address, port 0 for an ephemeral port
	DaemonAddr string // where to report SET_SID/DEL_SID
	Name       string // session name
	Nproc      int    // total participants across every host
	RegionPath string // path to the shared region's backing file
	RegionSize int64  // requested region size before page rounding

	Trace *wiretrace.Tracer // optional per-message tracing, nil disables it
}

type connEvent struct {
	connID int
	msg    wire.Message
	err    error
}

// Server is one session's running coordinator.
type Server struct {
	cfg Config

	mu       sync.Mutex
	conns    map[int]net.Conn
	nextID   int
	proctbl  *proctable.Table
	opq      *opqueue.Queue
	semtbl   *semtable.Table
	region   *region.Region
	nextGID  int32
	joined   int
	started  bool
	nblocked int
	gotSum   int
}

// New constructs a Server from cfg. The shared region file is created and
// sized immediately, the staged design's boot step.
func New(cfg Config) (*Server, error) {
	r, err := region.Open(cfg.RegionPath, cfg.RegionSize)
	if err != nil {
		return nil, fmt.Errorf("sessionserver: open region: %w", err)
	}
	return &Server{
		cfg:     cfg,
		conns:   make(map[int]net.Conn),
		proctbl: proctable.New(),
		opq:     opqueue.New(),
		semtbl:  semtable.New(),
		region:  r,
	}, nil
}

// Run binds the listener, reports its port to the daemon via SET_SID, and
// serves arbiter connections until the last one disconnects or ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("sessionserver: listen: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.reportToDaemon(wire.Message{Tag: wire.TagSetSID, SIDName: s.cfg.Name, PortOrN: int32(port)}); err != nil {
		return fmt.Errorf("sessionserver: report SET_SID to daemon: %w", err)
	}

	events := make(chan connEvent, 64)
	shutdown := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-shutdown:
		}
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			connID := s.register(conn)
			go s.readLoop(connID, conn, events)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-events:
				if s.handle(ev) {
					close(shutdown)
					s.reportToDaemon(wire.Message{Tag: wire.TagDelSID, SIDName: s.cfg.Name})
					return nil
				}
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil || err == nil {
		return nil
	}
	return err
}

func (s *Server) reportToDaemon(msg wire.Message) error {
	conn, err := net.Dial("tcp", s.cfg.DaemonAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return wire.WriteMessage(conn, msg)
}

func (s *Server) register(conn net.Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.conns[id] = conn
	return id
}

func (s *Server) readLoop(connID int, conn net.Conn, events chan<- connEvent) {
	for {
		msg, err := wire.ReadMessage(conn)
		events <- connEvent{connID: connID, msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (s *Server) closeConn(connID int) int {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	delete(s.conns, connID)
	remaining := len(s.conns)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
	return remaining
}

func (s *Server) send(connID int, msg wire.Message) {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		logger.Warn("sessionserver: send failed", "conn", connID, "err", err)
	}
}

func (s *Server) broadcastExcept(except int, msg wire.Message) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		if id != except {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.send(id, msg)
	}
}

func (s *Server) broadcastAll(msg wire.Message) {
	s.broadcastExcept(-1, msg)
}

// handle processes one event and reports whether the server should shut
// down (every arbiter connection has gone away).
func (s *Server) handle(ev connEvent) bool {
	if ev.err != nil {
		s.proctbl.RemoveConn(ev.connID)
		remaining := s.closeConn(ev.connID)
		return remaining == 0
	}

	s.cfg.Trace.Trace("sessionserver", ev.connID, ev.msg)

	switch ev.msg.Tag {
	case wire.TagAddPID:
		s.handleAddPID(ev.connID, ev.msg)
	case wire.TagReqWrt:
		s.handleReqWrt(ev.connID, ev.msg)
	case wire.TagWrtData:
		s.handleWrtData(ev.connID, ev.msg)
	case wire.TagWrtEnd:
		s.handleWrtEnd(ev.connID, ev.msg)
	case wire.TagGotData:
		s.handleGotData(ev.msg)
	case wire.TagHitBar:
		s.handleHitBar()
	case wire.TagPostSem:
		s.handlePostSem(ev.connID, ev.msg)
	case wire.TagWaitSem:
		s.handleWaitSem(ev.connID, ev.msg)
	case wire.TagExit:
		s.proctbl.RemoveConn(ev.connID)
		remaining := s.closeConn(ev.connID)
		return remaining == 0
	default:
		logger.Warn("sessionserver: unexpected message", "conn", ev.connID, "tag", ev.msg.Tag)
	}
	return false
}

// handleAddPID assigns a GID but, per §4.2, keeps the joining process
// parked: SET_GID is not sent until every rank has joined and the join
// barrier folds it into the CNT_ALL step below, so a fast rank can never
// start writing before its peers have attached.
func (s *Server) handleAddPID(connID int, msg wire.Message) {
	key := proctable.Key{ConnID: connID, PID: msg.PID}
	proc, ok := s.proctbl.Insert(key)
	if !ok {
		logger.Warn("sessionserver: duplicate ADD_PID", "conn", connID, "pid", msg.PID)
		return
	}
	gid := s.nextGID
	s.nextGID++
	proc.GID = gid

	s.joined++
	if s.joined == s.cfg.Nproc && !s.started {
		s.region.Unlink(s.cfg.RegionPath)
		s.proctbl.Each(func(p *proctable.Process) {
			s.send(p.ConnID, wire.Message{Tag: wire.TagSetGID, PID: p.PID, GID: p.GID})
		})
		s.broadcastAll(wire.Message{Tag: wire.TagCntAll})
		s.joined = 0
		s.nblocked = 0
		s.gotSum = 0
		s.started = true
	}
}

func (s *Server) handleReqWrt(connID int, msg wire.Message) {
	op := opqueue.Op{ConnID: connID, PID: msg.PID}
	wasEmpty := s.opq.Enqueue(op)
	if wasEmpty {
		if err := s.opq.BeginWrite(); err != nil {
			logger.Error("sessionserver: BeginWrite", "err", err)
			return
		}
		s.send(connID, wire.Message{Tag: wire.TagWrtNow, PID: msg.PID})
	}
}

func (s *Server) handleWrtData(connID int, msg wire.Message) {
	head, ok := s.opq.Head()
	if !ok || head.ConnID != connID {
		logger.Error("sessionserver: protocol violation: WRT_DATA from non-head connection", "conn", connID)
		return
	}
	s.broadcastExcept(connID, msg)
}

func (s *Server) handleWrtEnd(connID int, msg wire.Message) {
	head, ok := s.opq.Head()
	if !ok || head.ConnID != connID {
		logger.Error("sessionserver: protocol violation: WRT_END from non-head connection", "conn", connID)
		return
	}
	if err := s.opq.ReceivedEnd(); err != nil {
		logger.Error("sessionserver: ReceivedEnd", "err", err)
		return
	}
	s.gotSum = 0
	s.broadcastExcept(connID, msg)
}

func (s *Server) handleGotData(msg wire.Message) {
	s.gotSum += int(msg.Nproc)
	if s.gotSum < s.cfg.Nproc {
		return
	}
	s.gotSum = 0
	next, hasNext, err := s.opq.Advance()
	if err != nil {
		logger.Error("sessionserver: Advance", "err", err)
		return
	}
	if hasNext {
		s.send(next.ConnID, wire.Message{Tag: wire.TagWrtNow, PID: next.PID})
	}
}

func (s *Server) handleHitBar() {
	s.nblocked++
	if s.nblocked == s.cfg.Nproc {
		s.broadcastAll(wire.Message{Tag: wire.TagRelBar})
		s.nblocked = 0
	}
}

func (s *Server) handlePostSem(connID int, msg wire.Message) {
	sem := s.semtbl.GetOrCreate(msg.SIDName)
	if proc, found := s.proctbl.FirstBlockedOn(sem.ID); found {
		proc.SemID = -1
		s.send(proc.ConnID, wire.Message{Tag: wire.TagPostSem, SIDName: msg.SIDName, PID: proc.PID})
		return
	}
	sem.Increment()
}

func (s *Server) handleWaitSem(connID int, msg wire.Message) {
	sem := s.semtbl.GetOrCreate(msg.SIDName)
	if sem.TryDecrement() {
		s.send(connID, wire.Message{Tag: wire.TagPostSem, SIDName: msg.SIDName, PID: msg.PID})
		return
	}
	proc, ok := s.proctbl.Lookup(proctable.Key{ConnID: connID, PID: msg.PID})
	if !ok {
		logger.Error("sessionserver: WAIT_SEM for unknown process", "conn", connID, "pid", msg.PID)
		return
	}
	proc.SemID = sem.ID
}
