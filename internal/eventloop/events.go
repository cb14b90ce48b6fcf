//go:build linux

package eventloop

import (
	"errors"
	"io"
	"os"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/dispatch"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// errInputFull signals that a connection's input ring buffer filled up
// without yielding a complete parsed unit — either a pathological client
// or a buffer sized too small for the traffic it carries.
var errInputFull = errors.New("eventloop: input buffer full awaiting a complete command")

// handleAccept drains the listening socket's accept queue, registering a
// fresh Conn for every connection it picks up: create it in the regular
// client role, register it for readability.
func (l *Loop) handleAccept() {
	for {
		fd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.log.Warn("accept failed", zap.Error(err))
			}
			return
		}

		if err := tuneAccepted(fd); err != nil {
			l.log.Warn("socket tuning failed, closing", zap.Int("fd", fd), zap.Error(err))
			unix.Close(fd)
			continue
		}

		l.nextID++
		c, err := conn.New(l.nextID, fd, l.log)
		if err != nil {
			l.log.Error("failed to allocate connection buffers", zap.Error(err))
			unix.Close(fd)
			continue
		}

		if err := l.poller.addRead(fd); err != nil {
			l.log.Error("epoll registration failed", zap.Int("fd", fd), zap.Error(err))
			c.Close()
			unix.Close(fd)
			continue
		}

		l.conns[fd] = c
		c.Log.Debug("connection accepted")
	}
}

// handleReadable drains the socket into the connection's input ring
// buffer, feeds the parser, and dispatches every completed command in
// arrival order.
func (l *Loop) handleReadable(c *conn.Conn) {
	for {
		buf, n := c.In.Writable()
		if n == 0 {
			// Input buffer full with an unconsumed partial frame; this
			// should not happen given the buffer sizing contract, but
			// closing rather than spinning keeps the loop honest.
			l.closeConn(c, errInputFull)
			return
		}

		rn, err := unix.Read(c.FD, buf[:n])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		case rn == 0 && err == nil:
			l.closeConn(c, io.EOF)
			return
		case err != nil:
			l.closeConn(c, os.NewSyscallError("read", err))
			return
		}

		if err := c.In.AdvanceWrite(rn); err != nil {
			l.closeConn(c, err)
			return
		}

		if !l.drainAndDispatch(c) {
			return
		}

		if rn < n {
			// Short read: the socket had no more to give this round.
			return
		}
	}
}

// drainAndDispatch feeds everything currently sitting in In through the
// parser and dispatches each completed unit. It returns false if the
// connection was closed while doing so.
func (l *Loop) drainAndDispatch(c *conn.Conn) bool {
	for {
		data, n := c.In.Readable()
		if n == 0 {
			return true
		}
		consumed, units, err := c.Feed(data[:n])
		if consumed > 0 {
			if aerr := c.In.AdvanceRead(consumed); aerr != nil {
				l.closeConn(c, aerr)
				return false
			}
		}
		if err != nil {
			l.closeConn(c, err)
			return false
		}

		for _, u := range units {
			if err := dispatch.Dispatch(l.ctx, c, u.Reply.Args(), u.Raw); err != nil {
				l.closeConn(c, err)
				return false
			}
			if c.Closed {
				return false
			}
		}

		if c.Role == conn.RoleMasterLink {
			// Replicated commands execute silently; nothing is ever sent
			// back up the master link, so the reply bytes dispatch just
			// wrote are discarded instead of being queued for write.
			c.Out.Reset()
		} else if c.WantWrite() {
			l.EnableWrite(c.FD)
		}

		if consumed == 0 {
			return true
		}
	}
}

// handleWritable drains whatever is queued in the output ring buffer to
// the socket, then — if the connection is a replica mid-FULLRESYNC —
// continues streaming the snapshot file body directly from disk.
func (l *Loop) handleWritable(c *conn.Conn) {
	if !l.flushOut(c) {
		return
	}
	if c.Closed {
		return
	}

	if c.Role == conn.RoleReplicaLink && c.RDBFile != nil {
		if !l.streamRDBChunk(c) {
			return
		}
	}

	if !c.WantWrite() && c.RDBFile == nil {
		if err := l.poller.disableWrite(c.FD); err != nil {
			c.Log.Warn("disable write interest failed", zap.Error(err))
		}
	}
}

// flushOut writes as much of Out to the socket as the kernel will accept
// right now. It returns false if the connection was closed or the socket
// is not ready for more, in which case the caller must not proceed to RDB
// streaming this round.
func (l *Loop) flushOut(c *conn.Conn) bool {
	for c.Out.Len() > 0 {
		buf, n := c.Out.Readable()
		wn, err := unix.Write(c.FD, buf[:n])
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return false
		case err != nil:
			l.closeConn(c, os.NewSyscallError("write", err))
			return false
		}
		if aerr := c.Out.AdvanceRead(wn); aerr != nil {
			l.closeConn(c, aerr)
			return false
		}
		if wn < n {
			return false
		}
	}
	return true
}

// streamRDBChunk reads one buffer's worth of the snapshot file and writes
// it straight to the socket, bypassing Out entirely — the "zero-copy or
// chunked read-write loop" the master-side SendingRDB state calls for.
// It returns false if the socket can't take more right now or the
// connection was closed.
func (l *Loop) streamRDBChunk(c *conn.Conn) bool {
	n, rerr := c.RDBFile.Read(l.rdbBuf)
	if n > 0 {
		wn, werr := unix.Write(c.FD, l.rdbBuf[:n])
		if wn < 0 {
			wn = 0
		}
		c.RDBRemaining -= int64(wn)
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				// Back up the read we can't yet place; simplest correct
				// fix is to reopen position via Seek since os.File
				// tracks its own offset.
				c.RDBFile.Seek(int64(wn-n), io.SeekCurrent)
				return false
			}
			l.closeConn(c, os.NewSyscallError("write", werr))
			return false
		}
		if wn < n {
			c.RDBFile.Seek(int64(wn-n), io.SeekCurrent)
			return false
		}
	}
	if rerr == io.EOF || c.RDBRemaining <= 0 {
		c.RDBFile.Close()
		c.RDBFile = nil
		c.MasterState = conn.MasterStatePropagate
		c.Log.Info("snapshot transfer complete")

		for _, p := range c.Pending {
			if werr := c.Writer.WriteRaw(p); werr != nil {
				l.closeConn(c, werr)
				return false
			}
		}
		c.Pending = nil
		if c.WantWrite() {
			l.EnableWrite(c.FD)
		}
		return true
	}
	if rerr != nil {
		l.closeConn(c, rerr)
		return false
	}
	return true
}

// closeConn tears down one connection: deregisters it from epoll, closes
// its fd, releases its buffers, and forgets it. err is logged at debug
// level for a clean peer close and at warn level otherwise.
func (l *Loop) closeConn(c *conn.Conn, err error) {
	if c.Closed {
		return
	}
	if err == io.EOF || err == nil {
		c.Log.Debug("connection closed")
	} else {
		c.Log.Warn("connection closed", zap.Error(err))
	}

	if c.RDBFile != nil {
		c.RDBFile.Close()
		c.RDBFile = nil
	}

	l.poller.remove(c.FD)
	unix.Close(c.FD)
	delete(l.conns, c.FD)
	c.Close()
}
