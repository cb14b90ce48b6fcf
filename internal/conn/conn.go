// Package conn holds per-connection state: the input/output ring
// buffers, the wire parser and its command collector, and the small set
// of role/handshake flags the event loop and dispatcher consult to know
// what a readable or writable event on this fd should do. One Conn per
// socket, held in the event loop's fd-keyed map; each carries a logger
// pre-tagged with its connection id.
package conn

import (
	"os"

	"github.com/edirooss/kvserver/internal/resp"
	"github.com/edirooss/kvserver/internal/ringbuf"
	"go.uber.org/zap"
)

// Role distinguishes an ordinary client connection from one that has
// become a replica's transport (after a successful PSYNC) or is this
// process's own outbound link to its master.
type Role int

const (
	RoleClient Role = iota
	RoleReplicaLink
	RoleMasterLink
)

// MasterSideState tracks, from the master's perspective, where an
// attached replica is in its snapshot transfer.
type MasterSideState int

const (
	MasterStatePropagate   MasterSideState = iota // normal command propagation
	MasterStateSendingRDB                         // streaming the snapshot file body
)

// defaultBufSize must be at least 1 MiB: the dispatcher relies on being
// able to fill a reply in one shot without the writer ever blocking on
// space (resp.Writer fails loudly instead of blocking).
const defaultBufSize = 1 << 20

// Conn is one socket's worth of server-side state.
type Conn struct {
	ID  int64
	FD  int
	Log *zap.Logger

	In  *ringbuf.RingBuffer
	Out *ringbuf.RingBuffer

	Parser    *resp.Parser
	Writer    *resp.Writer
	collector *collector

	Role Role

	// Set once a completed top-level unit is available; the event loop
	// drains these after each Feed call before looking for more input.
	pending []Reply

	// raw accumulates the exact bytes of the in-progress top-level unit
	// across Feed calls, so a command split over several socket reads is
	// still propagated to replicas byte-for-byte complete.
	raw []byte

	// Replica bookkeeping, valid when Role == RoleReplicaLink.
	MasterState   MasterSideState
	RDBFile       *os.File
	RDBRemaining  int64
	AckedOffset   int64
	ListeningPort int

	// Pending holds write-command bytes propagated while this replica was
	// still mid-FULLRESYNC; internal/eventloop flushes it into Writer the
	// moment MasterState returns to MasterStatePropagate, preserving the
	// order writes were parsed in relative to the snapshot's save point.
	Pending [][]byte

	Closed bool
}

// New constructs a Conn with freshly allocated ring buffers of the
// default size (at least the 1 MiB the dispatcher is required to be able
// to fill with a single reply; defaultBufSize comfortably covers it).
func New(id int64, fd int, log *zap.Logger) (*Conn, error) {
	in, err := ringbuf.New(defaultBufSize)
	if err != nil {
		return nil, err
	}
	out, err := ringbuf.New(defaultBufSize)
	if err != nil {
		in.Close()
		return nil, err
	}

	c := &Conn{
		ID:  id,
		FD:  fd,
		Log: log.With(zap.Int64("conn_id", id)),
		In:  in,
		Out: out,
	}
	c.collector = newCollector(func(r Reply) { c.pending = append(c.pending, r) })
	c.Parser = resp.NewParser(c.collector)
	c.Writer = resp.NewWriter(out)
	return c, nil
}

// Unit is one completed top-level parse result paired with the exact raw
// bytes that produced it, so write commands can be propagated to
// replicas byte-for-byte rather than re-encoded.
type Unit struct {
	Reply Reply
	Raw   []byte
}

// Feed pushes newly-read bytes through the parser, returning any
// completed top-level units (commands, or handshake scalar replies) in
// arrival order. Bytes already sitting in In from a prior partial parse
// are included by the caller via In.Readable(), so this is normally
// called as c.Feed(c.In.Readable()) followed by c.In.AdvanceRead(consumed).
func (c *Conn) Feed(data []byte) (consumed int, units []Unit, err error) {
	for consumed < len(data) {
		start := consumed
		n, ferr := c.Parser.Feed(data[consumed:])
		consumed += n
		c.raw = append(c.raw, data[start:consumed]...)
		if ferr != nil {
			return consumed, units, ferr
		}
		if n == 0 {
			break
		}
		for _, r := range c.drainPending() {
			units = append(units, Unit{Reply: r, Raw: c.raw})
			c.raw = nil
		}
	}
	return consumed, units, nil
}

func (c *Conn) drainPending() []Reply {
	out := c.pending
	c.pending = nil
	return out
}

// WantWrite reports whether Out currently holds bytes the event loop
// needs to drain to the socket.
func (c *Conn) WantWrite() bool {
	return c.Out.Len() > 0
}

// Close releases both ring buffers. The caller is responsible for
// closing the underlying file descriptor.
func (c *Conn) Close() {
	if c.Closed {
		return
	}
	c.Closed = true
	c.In.Close()
	c.Out.Close()
}
