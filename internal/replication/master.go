// Package replication implements both sides of the master/replica
// handshake: the master side (REPLCONF/PSYNC handling, per-replica RDB
// transfer bookkeeping, write-command propagation) in this file, and the
// replica side (dial-and-handshake against a master, then handing a
// steady-state link back to the event loop) in replica.go.
//
// The Manager never reads or writes a socket itself, it only queues
// bytes into a Conn's existing ring buffers and asks the loop to flush
// them.
package replication

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/env"
	"github.com/edirooss/kvserver/internal/rdb"
	"github.com/edirooss/kvserver/internal/replinfo"
	"go.uber.org/zap"
)

// Notifier is the event loop's half of the contract: the Manager queues
// bytes into a Conn's output ring buffer and then tells the loop that fd
// has something to flush, or that fd must be torn down. Implemented by
// *eventloop.Loop; kept as a small interface here so this package never
// imports eventloop (which already imports dispatch, which imports this
// package's Replicator consumer).
type Notifier interface {
	EnableWrite(fd int)
	Disconnect(fd int)
}

// Manager is the master-side replication state: every attached replica
// connection, keyed by fd, plus the shared server info and snapshot
// saver it needs to answer PSYNC. One Manager is constructed in main and
// wired into dispatch.Context.Replicator and dispatch.Context.Propagate.
type Manager struct {
	log      *zap.Logger
	cfg      *env.Config
	info     *replinfo.Info
	saver    *rdb.Saver
	notifier Notifier

	replicas map[int]*conn.Conn
}

// NewManager builds a Manager bound to the process's shared singletons.
func NewManager(log *zap.Logger, cfg *env.Config, info *replinfo.Info, saver *rdb.Saver, notifier Notifier) *Manager {
	return &Manager{
		log:      log.Named("replication"),
		cfg:      cfg,
		info:     info,
		saver:    saver,
		notifier: notifier,
		replicas: make(map[int]*conn.Conn),
	}
}

// HandleReplConf answers the handshake's REPLCONF steps: listening-port
// and capa both get a bare "+OK\r\n"; ack records the replica's reported
// offset with no reply, REPLCONF ACK being one-way.
func (m *Manager) HandleReplConf(c *conn.Conn, args [][]byte) error {
	sub := strings.ToLower(string(args[1]))
	switch sub {
	case "listening-port":
		if len(args) < 3 {
			return c.Writer.WriteError("ERR wrong number of arguments for 'replconf' command")
		}
		port, err := strconv.Atoi(string(args[2]))
		if err != nil {
			return c.Writer.WriteError("ERR invalid listening-port")
		}
		c.ListeningPort = port
		return c.Writer.WriteSimpleString("OK")

	case "capa":
		return c.Writer.WriteSimpleString("OK")

	case "ack":
		if len(args) >= 3 {
			if off, err := strconv.ParseInt(string(args[2]), 10, 64); err == nil {
				c.AckedOffset = off
			}
		}
		return nil

	case "getack":
		// This master never issues REPLCONF GETACK itself (no partial
		// resync), so a replica never needs to answer one; nothing to do
		// beyond acknowledging receipt.
		return c.Writer.WriteSimpleString("OK")

	default:
		return c.Writer.WriteError(fmt.Sprintf("ERR unknown REPLCONF option '%s'", sub))
	}
}

// HandlePSYNC answers "PSYNC ? -1" with FULLRESYNC, takes a snapshot to
// disk, queues the "$<file_size>\r\n" transfer header, and transitions c
// to SendingRDB with writable interest enabled. The snapshot is taken
// after the FULLRESYNC line is queued but before the file is reopened
// for reading, so the reader always observes a complete, consistent
// file.
func (m *Manager) HandlePSYNC(c *conn.Conn, args [][]byte) error {
	if err := c.Writer.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s %d", m.info.ReplID, m.info.Offset)); err != nil {
		return err
	}

	if err := m.saver.Save(); err != nil {
		return fmt.Errorf("replication: snapshot for PSYNC failed: %w", err)
	}

	path := filepath.Join(m.cfg.Dir, m.cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("replication: reopen snapshot for transfer: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("replication: stat snapshot for transfer: %w", err)
	}

	if err := c.Writer.WriteBulkHeader(int(fi.Size())); err != nil {
		f.Close()
		return err
	}

	c.Role = conn.RoleReplicaLink
	c.MasterState = conn.MasterStateSendingRDB
	c.RDBFile = f
	c.RDBRemaining = fi.Size()

	m.replicas[c.FD] = c
	m.notifier.EnableWrite(c.FD)

	m.log.Info("replica entering full resync",
		zap.Int("fd", c.FD), zap.Int64("conn_id", c.ID), zap.Int64("snapshot_bytes", fi.Size()))
	return nil
}

// Propagate forwards a successfully executed write command's raw bytes
// to every attached replica, advancing the master's replication offset
// by the length appended, exactly once regardless of how many replicas
// are attached. A replica still mid-FULLRESYNC has raw queued on its
// Pending list instead of written directly, so command order relative to
// the snapshot's save point is preserved; internal/eventloop flushes
// Pending once that replica's transfer completes. A replica whose output
// buffer is full is disconnected rather than blocked.
func (m *Manager) Propagate(raw []byte) {
	m.info.Offset += int64(len(raw))

	for fd, rc := range m.replicas {
		if rc.Closed {
			delete(m.replicas, fd)
			continue
		}
		if rc.MasterState == conn.MasterStateSendingRDB {
			rc.Pending = append(rc.Pending, append([]byte(nil), raw...))
			continue
		}
		if err := rc.Writer.WriteRaw(raw); err != nil {
			m.log.Warn("replica output buffer full, disconnecting", zap.Int("fd", fd), zap.Error(err))
			m.notifier.Disconnect(fd)
			delete(m.replicas, fd)
			continue
		}
		m.notifier.EnableWrite(fd)
	}
}

// Replicas returns the attached-replica statuses for INFO rendering.
func (m *Manager) Replicas() []replinfo.ReplicaStatus {
	out := make([]replinfo.ReplicaStatus, 0, len(m.replicas))
	for _, rc := range m.replicas {
		out = append(out, replinfo.ReplicaStatus{
			Addr:        fmt.Sprintf("127.0.0.1:%d", rc.ListeningPort),
			AckedOffset: rc.AckedOffset,
		})
	}
	return out
}
