// Package client is the in-process library linked into each DSM worker
// (§4.4): it spawns the local arbiter and sibling ranks, attaches the
// shared region, and exposes init/barrier/wait/post/dig-hole/fill-hole/exit.
//
// The hard part of §4.4 is x86-64-only self-modifying-code trickery
// (disassemble the faulting instruction, inject a UD2 trap, restore it on
// SIGILL) that §9 explicitly licenses replacing with "an explicit
// commit(addr, size) routine": Write is that routine. It performs the
// exact same protocol the original's SIGSEGV/SIGILL pair did — take
// write-access from the arbiter unless the range is in a hole, flip the
// mapping to ReadWrite, mutate, flip back, ship WRT_DATA/WRT_END — without
// disassembling anything, because the caller already knows the affected
// range instead of discovering it from a fault address.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/dsm/internal/holes"
	"github.com/behrlich/dsm/internal/launch"
	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/region"
	"github.com/behrlich/dsm/internal/wire"
)

// Config parameterizes Init.
type Config struct {
	SessionName  string
	LocalNproc   int   // siblings to fork on this host, including self
	TotalNproc   int   // total participants across every host, reported to the daemon
	RequestSize  int64 // requested shared-region size before page rounding
	DaemonAddr   string
	ArbiterAddr  string // local loopback address the arbiter listens on
	ArbiterExe   string // path to the dsm-arbiter binary, for the rank-0 spawn
	SelfExe      string // path to this binary, for sibling re-exec
	SiblingFlag  string // the hidden subcommand/flag that re-execs as a sibling rank
	LogDir       string
	ConnectRetry int           // bounded retry count for the arbiter connect race
	RetryBackoff time.Duration
}

// Session reifies the client-side mutable globals of the original
// (shared_map, map_size, sock_io, gid, holes list) as a single value owned
// for the process's lifetime, per §9's "Globals" design note.
type Session struct {
	cfg    Config
	pid    int
	conn   net.Conn
	region *region.Region
	gid    int32
	holes  holes.Table
}

// Init attaches this process to session cfg.SessionName: resolving the
// session-server's address through the daemon (§4.1), spawning the local
// arbiter and forking local siblings, connecting to the arbiter, mapping
// the shared region, and blocking until the server assigns a GID, per
// §4.4's seven-step initialization.
func Init(cfg Config) (*Session, error) {
	debug.SetPanicOnFault(true)

	pid := os.Getpid()

	serverAddr, err := resolveSessionServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("client: resolve session-server via daemon: %w", err)
	}

	if cfg.LocalNproc > 1 {
		exe, err := launch.Self()
		if err != nil {
			return nil, fmt.Errorf("client: resolve self executable: %w", err)
		}
		if cfg.SelfExe == "" {
			cfg.SelfExe = exe
		}
		if _, err := launch.Siblings(context.Background(), cfg.LocalNproc-1, cfg.LocalNproc-1, cfg.SelfExe,
			func(rank int) []string { return []string{cfg.SiblingFlag, fmt.Sprint(rank)} },
			logPath(cfg.LogDir, "dsm-client-sibling")); err != nil {
			return nil, fmt.Errorf("client: spawn siblings: %w", err)
		}
	}

	if _, err := os.Stat(cfg.ArbiterExe); err == nil {
		if _, err := launch.Detached(cfg.ArbiterExe, []string{
			"--session", cfg.SessionName,
			"--listen", cfg.ArbiterAddr,
			"--server-addr", serverAddr,
		}, logPath(cfg.LogDir, "dsm-arbiter")); err != nil {
			logger.Warn("client: arbiter spawn failed, assuming one is already running", "err", err)
		}
	}

	conn, err := connectWithRetry(cfg.ArbiterAddr, cfg.ConnectRetry, cfg.RetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("client: connect to arbiter: %w", err)
	}

	r, err := region.Open(regionPath(cfg), maxInt64(cfg.RequestSize, 0))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: open shared region: %w", err)
	}

	s := &Session{cfg: cfg, pid: pid, conn: conn, region: r, gid: -1}

	if err := wire.WriteMessage(conn, wire.Message{Tag: wire.TagAddPID, PID: int32(pid)}); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("client: send ADD_PID: %w", err)
	}

	if err := r.SetProt(region.ReadOnly); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("client: protect shared region: %w", err)
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("client: await SET_GID: %w", err)
	}
	if msg.Tag != wire.TagSetGID || msg.PID != int32(pid) {
		s.cleanup()
		return nil, fmt.Errorf("client: protocol violation: expected SET_GID for pid %d, got %v", pid, msg)
	}
	s.gid = msg.GID

	return s, nil
}

// GID returns the global ID assigned by the server.
func (s *Session) GID() int32 { return s.gid }

// Bytes returns the mapped shared region for reads. Writes, including
// writes inside a hole, must go through Write rather than direct slice
// mutation, since the mapping is ReadOnly outside Write; see the package
// doc.
func (s *Session) Bytes() []byte { return s.region.Bytes() }

// Write commits data at offset to the shared region: requests write
// access unless the range lies in an active hole, applies the mutation
// locally, and (unless local) ships it to the session-server for
// broadcast. This is the explicit commit(addr, size) routine licensed by
// §9 in place of page-fault interception.
func (s *Session) Write(offset int64, data []byte) error {
	size := int64(len(data))
	local := s.holes.InHole(offset, size)

	if !local {
		if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagReqWrt, PID: int32(s.pid)}); err != nil {
			return fmt.Errorf("client: send REQ_WRT: %w", err)
		}
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("client: await WRT_NOW: %w", err)
		}
		if msg.Tag != wire.TagWrtNow || msg.PID != int32(s.pid) {
			return fmt.Errorf("client: protocol violation: expected WRT_NOW for pid %d, got %v", s.pid, msg)
		}
	}

	if err := s.region.SetProt(region.ReadWrite); err != nil {
		return fmt.Errorf("client: unprotect region for write: %w", err)
	}
	n := s.region.Apply(offset, data)
	protErr := s.region.SetProt(region.ReadOnly)
	if protErr != nil {
		return fmt.Errorf("client: reprotect region after write: %w", protErr)
	}

	if local {
		return nil
	}

	for _, chunk := range wire.Chunks(offset, data[:n]) {
		if err := wire.WriteMessage(s.conn, chunk); err != nil {
			return fmt.Errorf("client: send WRT_DATA: %w", err)
		}
	}
	return wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagWrtEnd})
}

// Barrier blocks until every participant in the session has called
// Barrier. Grounded directly on dsm.c's dsm_barrier: raising SIGTSTP on
// self after announcing HIT_BAR is safe in Go because job-control signals
// are left to their OS default disposition unless the process calls
// signal.Notify for them, which this library never does.
func (s *Session) Barrier() error {
	if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagHitBar, PID: int32(s.pid)}); err != nil {
		return fmt.Errorf("client: send HIT_BAR: %w", err)
	}
	return unix.Kill(s.pid, unix.SIGTSTP)
}

// PostSem posts (ups) the named semaphore, creating it if needed.
func (s *Session) PostSem(name string) error {
	return wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagPostSem, SIDName: name, PID: int32(s.pid)})
}

// WaitSem waits (downs) the named semaphore, creating it if needed, and
// blocks until a matching wakeup arrives.
func (s *Session) WaitSem(name string) error {
	if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagWaitSem, SIDName: name, PID: int32(s.pid)}); err != nil {
		return fmt.Errorf("client: send WAIT_SEM: %w", err)
	}
	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return fmt.Errorf("client: await POST_SEM wakeup: %w", err)
	}
	if msg.Tag != wire.TagPostSem || msg.PID != int32(s.pid) {
		return fmt.Errorf("client: protocol violation: expected POST_SEM wakeup for pid %d, got %v", s.pid, msg)
	}
	return nil
}

// DigHole opens a process-local hole over [offset, offset+size).
func (s *Session) DigHole(offset, size int64) (int, error) {
	return s.holes.Dig(offset, size)
}

// FillHole closes the hole id, shipping its entire byte range through the
// normal write protocol before removing the entry.
func (s *Session) FillHole(id int) error {
	h, ok := s.holes.Get(id)
	if !ok {
		return fmt.Errorf("client: no hole with id %d", id)
	}
	data := append([]byte(nil), s.region.Bytes()[h.Offset:h.Offset+h.Size]...)

	if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagReqWrt, PID: int32(s.pid)}); err != nil {
		return fmt.Errorf("client: send REQ_WRT for fill: %w", err)
	}
	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return fmt.Errorf("client: await WRT_NOW for fill: %w", err)
	}
	if msg.Tag != wire.TagWrtNow || msg.PID != int32(s.pid) {
		return fmt.Errorf("client: protocol violation awaiting WRT_NOW for fill: %v", msg)
	}

	for _, chunk := range wire.Chunks(h.Offset, data) {
		if err := wire.WriteMessage(s.conn, chunk); err != nil {
			return fmt.Errorf("client: send WRT_DATA for fill: %w", err)
		}
	}
	if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagWrtEnd}); err != nil {
		return fmt.Errorf("client: send WRT_END for fill: %w", err)
	}

	return s.holes.Fill(id)
}

// Exit tears down the session: one last barrier, EXIT, socket close, and
// region unmap.
func (s *Session) Exit() error {
	if err := s.Barrier(); err != nil {
		logger.Warn("client: exit barrier failed", "err", err)
	}
	if err := wire.WriteMessage(s.conn, wire.Message{Tag: wire.TagExit}); err != nil {
		logger.Warn("client: send EXIT failed", "err", err)
	}
	return s.cleanup()
}

func (s *Session) cleanup() error {
	var firstErr error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.region != nil {
		if err := s.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func connectWithRetry(addr string, retries int, backoff time.Duration) (net.Conn, error) {
	if retries <= 0 {
		retries = 20
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(backoff)
	}
	return nil, fmt.Errorf("client: arbiter never came up at %s after %d attempts: %w", addr, retries, lastErr)
}

func regionPath(cfg Config) string {
	return logPath(cfg.LogDir, "dsm_region_"+cfg.SessionName)
}

func logPath(dir, name string) string {
	if dir == "" {
		return os.TempDir() + "/" + name
	}
	return dir + "/" + name
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
