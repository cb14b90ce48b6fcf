package replication

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/env"
	"github.com/edirooss/kvserver/internal/rdb"
	"github.com/edirooss/kvserver/internal/replinfo"
	"github.com/edirooss/kvserver/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrHandshakeFailed wraps any unexpected reply encountered while
// stepping through the handshake state machine; an unexpected reply
// closes the link.
type ErrHandshakeFailed struct {
	Step string
	Got  string
}

func (e *ErrHandshakeFailed) Error() string {
	return fmt.Sprintf("replication: handshake failed at %s: got %q", e.Step, e.Got)
}

// handshakeConn is a small blocking line/byte reader over a freshly
// dialed, still-blocking socket. The handshake is a short, strictly
// sequential exchange, so unlike every other socket this server touches,
// blocking reads here are both correct and simpler than driving the
// non-blocking resp.Parser for a handful of scalar replies. Once the
// handshake completes the fd is switched to non-blocking and handed to
// the event loop for everything after.
type handshakeConn struct {
	fd  int
	buf []byte
}

func (h *handshakeConn) fill() error {
	tmp := make([]byte, 4096)
	n, err := unix.Read(h.fd, tmp)
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	h.buf = append(h.buf, tmp[:n]...)
	return nil
}

func (h *handshakeConn) readLine() (string, error) {
	for {
		if i := bytes.Index(h.buf, []byte("\r\n")); i >= 0 {
			line := string(h.buf[:i])
			h.buf = h.buf[i+2:]
			return line, nil
		}
		if err := h.fill(); err != nil {
			return "", err
		}
	}
}

func (h *handshakeConn) readN(n int) ([]byte, error) {
	for len(h.buf) < n {
		if err := h.fill(); err != nil {
			return nil, err
		}
	}
	out := append([]byte(nil), h.buf[:n]...)
	h.buf = h.buf[n:]
	return out, nil
}

func (h *handshakeConn) send(s string) error {
	b := []byte(s)
	for len(b) > 0 {
		n, err := unix.Write(h.fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func encodeArray(args ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return b.String()
}

// dialBlocking opens a blocking (no SOCK_NONBLOCK) TCP socket to host:port,
// mirroring internal/eventloop/listener.go's socket setup for the
// accept side.
func dialBlocking(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	ip, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("replication: dial master %s:%d: %w", host, port, err)
	}
	return fd, nil
}

// DialMaster performs the full replica handshake against cfg.ReplicaOf:
// PING, REPLCONF listening-port, REPLCONF capa psync2, PSYNC ? -1, then
// receives the snapshot body into a temp file and loads it into s. On
// success it returns a Conn in RoleMasterLink, its socket already
// switched to non-blocking and any live command-stream bytes read past
// the snapshot body preloaded into the Conn's input buffer, ready for
// eventloop.Loop.AdoptMasterLink.
func DialMaster(log *zap.Logger, cfg *env.Config, info *replinfo.Info, s *store.Store) (*conn.Conn, error) {
	host, port := cfg.ReplicaOf.Host, cfg.ReplicaOf.Port
	log = log.Named("replication")

	fd, err := dialBlocking(host, port)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	h := &handshakeConn{fd: fd}

	if err := h.send(encodeArray("PING")); err != nil {
		return nil, err
	}
	if reply, err := h.readLine(); err != nil || reply != "+PONG" {
		return nil, &ErrHandshakeFailed{Step: "PING", Got: reply}
	}
	log.Debug("handshake: PING ok")

	if err := h.send(encodeArray("REPLCONF", "listening-port", strconv.Itoa(cfg.Port))); err != nil {
		return nil, err
	}
	if reply, err := h.readLine(); err != nil || reply != "+OK" {
		return nil, &ErrHandshakeFailed{Step: "REPLCONF listening-port", Got: reply}
	}
	log.Debug("handshake: REPLCONF listening-port ok")

	if err := h.send(encodeArray("REPLCONF", "capa", "psync2")); err != nil {
		return nil, err
	}
	if reply, err := h.readLine(); err != nil || reply != "+OK" {
		return nil, &ErrHandshakeFailed{Step: "REPLCONF capa", Got: reply}
	}
	log.Debug("handshake: REPLCONF capa ok")

	if err := h.send(encodeArray("PSYNC", "?", "-1")); err != nil {
		return nil, err
	}
	reply, err := h.readLine()
	if err != nil {
		return nil, err
	}
	replID, offset, err := parseFullresync(reply)
	if err != nil {
		return nil, &ErrHandshakeFailed{Step: "PSYNC", Got: reply}
	}
	info.ReplID = replID
	info.Offset = offset
	log.Info("handshake: FULLRESYNC", zap.String("replid", replID), zap.Int64("offset", offset))

	bulkHeader, err := h.readLine()
	if err != nil {
		return nil, err
	}
	size, err := parseBulkHeaderLen(bulkHeader)
	if err != nil {
		return nil, &ErrHandshakeFailed{Step: "RDB length header", Got: bulkHeader}
	}

	if err := receiveSnapshot(log, cfg, s, h, size); err != nil {
		return nil, err
	}
	log.Info("snapshot received and loaded", zap.Int("bytes", size))

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}

	c, err := conn.New(0, fd, log)
	if err != nil {
		return nil, err
	}
	c.Role = conn.RoleMasterLink

	if len(h.buf) > 0 {
		buf, n := c.In.Writable()
		if n < len(h.buf) {
			c.Close()
			return nil, fmt.Errorf("replication: leftover handshake bytes exceed input buffer")
		}
		copy(buf, h.buf)
		if err := c.In.AdvanceWrite(len(h.buf)); err != nil {
			c.Close()
			return nil, err
		}
	}

	ok = true
	return c, nil
}

// receiveSnapshot reads exactly size raw bytes from h into a temp file
// under cfg.Dir, hands it to rdb.Load, then removes it. Partial transfer
// (the connection closing mid-body) also deletes the temp file before
// the error propagates up and the process exits.
func receiveSnapshot(log *zap.Logger, cfg *env.Config, s *store.Store, h *handshakeConn, size int) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(cfg.Dir, "replica-fullresync-*.rdb")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > 1<<20 {
			chunk = 1 << 20
		}
		data, err := h.readN(chunk)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("replication: snapshot transfer interrupted: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		remaining -= chunk
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dir, file := splitPath(tmpPath)
	if err := rdb.Load(log, dir, file, s); err != nil {
		return fmt.Errorf("replication: loading received snapshot: %w", err)
	}
	return nil
}

func splitPath(path string) (dir, file string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return ".", path
}

func parseFullresync(line string) (replID string, offset int64, err error) {
	if !strings.HasPrefix(line, "+FULLRESYNC ") {
		return "", 0, fmt.Errorf("not a FULLRESYNC reply")
	}
	fields := strings.Fields(strings.TrimPrefix(line, "+"))
	if len(fields) != 3 {
		return "", 0, fmt.Errorf("malformed FULLRESYNC reply")
	}
	offset, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, err
	}
	return fields[1], offset, nil
}

func parseBulkHeaderLen(line string) (int, error) {
	if !strings.HasPrefix(line, "$") {
		return 0, fmt.Errorf("not a bulk header")
	}
	return strconv.Atoi(line[1:])
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("replication: only dotted-quad IPv4 addresses are supported, got %q", host)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, fmt.Errorf("replication: invalid address %q", host)
		}
		out[i] = byte(n)
	}
	return out, nil
}
