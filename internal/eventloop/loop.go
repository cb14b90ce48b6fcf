//go:build linux

package eventloop

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/dispatch"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// errReplicaBackpressure is the closure reason logged when a replica's
// output buffer fills and the master disconnects it instead of blocking
// the event loop waiting for it to drain.
var errReplicaBackpressure = errors.New("eventloop: replica output buffer full, disconnecting")

// maxEvents bounds a single EpollWait batch; connections not drained this
// round are picked up again next iteration.
const maxEvents = 256

// waitTimeoutMs is how long EpollWait blocks with nothing ready before
// returning so the loop can notice a cancelled context. There are no
// other timers: the loop is otherwise purely readiness-driven.
const waitTimeoutMs = 500

// rdbChunkSize is the buffer size used to stream a snapshot file body to
// a replica once SendingRDB begins.
const rdbChunkSize = 64 * 1024

// Loop is the single-threaded readiness multiplexer. Every field below
// is touched only from the goroutine running Run.
type Loop struct {
	log      *zap.Logger
	poller   *poller
	listenFD int
	conns    map[int]*conn.Conn
	nextID   int64

	ctx *dispatch.Context

	// adoptCh hands a finished master-link handshake over to the loop
	// goroutine, which alone may touch the fd map and epoll registrations.
	adoptCh chan *conn.Conn

	rdbBuf []byte
}

// New builds a Loop bound to the given port and wired to ctx for command
// dispatch. The listening socket and epoll instance are both created
// here; neither is started until Run is called.
func New(log *zap.Logger, port int, dctx *dispatch.Context) (*Loop, error) {
	lfd, err := listen(port)
	if err != nil {
		return nil, err
	}
	p, err := newPoller()
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}
	if err := p.addRead(lfd); err != nil {
		p.close()
		unix.Close(lfd)
		return nil, err
	}
	return &Loop{
		log:      log.Named("eventloop"),
		poller:   p,
		listenFD: lfd,
		conns:    make(map[int]*conn.Conn),
		ctx:      dctx,
		adoptCh:  make(chan *conn.Conn, 1),
		rdbBuf:   make([]byte, rdbChunkSize),
	}, nil
}

// Port returns the port the listening socket is actually bound to,
// resolving an ephemeral bind (port 0, used by tests) to its assigned
// value.
func (l *Loop) Port() (int, error) {
	sa, err := unix.Getsockname(l.listenFD)
	if err != nil {
		return 0, os.NewSyscallError("getsockname", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("eventloop: listening socket is not IPv4")
	}
	return in4.Port, nil
}

// EnableWrite registers write-readiness interest for fd. It implements
// replication.Notifier so the replication package can ask the loop
// to flush a replica's output buffer after a propagated write without
// importing the loop itself.
func (l *Loop) EnableWrite(fd int) {
	if err := l.poller.enableWrite(fd); err != nil {
		l.log.Warn("enable write interest failed", zap.Int("fd", fd), zap.Error(err))
	}
}

// Disconnect tears down fd's connection immediately. It implements
// replication.Notifier's backpressure contract: a replica whose output
// buffer is full is disconnected rather than blocked.
func (l *Loop) Disconnect(fd int) {
	if c, ok := l.conns[fd]; ok {
		l.closeConn(c, errReplicaBackpressure)
	}
}

// AdoptMasterLink hands an already-handshaked outbound connection to a
// master (Role == RoleMasterLink) over to the loop goroutine for
// steady-state streaming. The handoff goes through a channel rather
// than touching the fd map directly because the dial-and-handshake runs
// on its own goroutine while the loop is already serving clients; the
// loop registers the fd and drains any command-stream bytes buffered
// past the snapshot body on its next iteration.
func (l *Loop) AdoptMasterLink(c *conn.Conn) error {
	select {
	case l.adoptCh <- c:
		return nil
	default:
		return errors.New("eventloop: master link already pending adoption")
	}
}

// adopt registers a handed-off master link with the poller and
// dispatches whatever already sits in its input ring buffer, so the
// start of the live command stream doesn't wait for the next readiness
// notification. Runs on the loop goroutine only.
func (l *Loop) adopt(c *conn.Conn) {
	if err := l.poller.addRead(c.FD); err != nil {
		l.log.Error("master link registration failed", zap.Error(err))
		unix.Close(c.FD)
		c.Close()
		return
	}
	l.conns[c.FD] = c
	l.drainAndDispatch(c)
}

// Run drives the readiness loop until ctx is cancelled. After
// cancellation the listening socket is closed, every connection's buffers
// are released, and the store has been saved to disk: stop accepting,
// drain and save, exit. If EpollWait fails, Run returns that error with
// only the listening socket and epoll instance closed; connections are
// not drained and no snapshot is saved.
func (l *Loop) Run(ctx context.Context) error {
	defer unix.Close(l.listenFD)
	defer l.poller.close()

	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case c := <-l.adoptCh:
			l.adopt(c)
		default:
		}

		n, err := l.poller.wait(events, waitTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == l.listenFD {
				l.handleAccept()
				continue
			}

			c, ok := l.conns[fd]
			if !ok {
				continue
			}

			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				l.closeConn(c, os.NewSyscallError("poll", unix.ECONNRESET))
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 {
				l.handleReadable(c)
				if c.Closed {
					continue
				}
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				l.handleWritable(c)
			}
		}
	}
}

func (l *Loop) shutdown() error {
	l.log.Info("shutdown signal received, draining connections")

	select {
	case c := <-l.adoptCh:
		unix.Close(c.FD)
		c.Close()
	default:
	}

	for _, c := range l.conns {
		l.drainOnShutdown(c)
		l.poller.remove(c.FD)
		unix.Close(c.FD)
		c.Close()
	}
	l.conns = map[int]*conn.Conn{}

	if l.ctx.Saver != nil {
		if err := l.ctx.Saver.Save(); err != nil {
			l.log.Error("snapshot save failed during shutdown", zap.Error(err))
			return err
		}
	}
	l.log.Info("shutdown complete")
	return nil
}

// drainOnShutdown makes a best-effort attempt to flush whatever is
// already sitting in a connection's output buffer before the fd is
// closed; it never blocks waiting for the peer.
func (l *Loop) drainOnShutdown(c *conn.Conn) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for c.Out.Len() > 0 && time.Now().Before(deadline) {
		buf, n := c.Out.Readable()
		if n == 0 {
			break
		}
		wn, err := unix.Write(c.FD, buf[:n])
		if err != nil || wn == 0 {
			break
		}
		c.Out.AdvanceRead(wn)
	}
}
