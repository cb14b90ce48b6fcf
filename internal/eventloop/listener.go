//go:build linux

package eventloop

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// listen opens the non-blocking, listen-backlogged TCP socket the loop
// accepts connections on: bound to 127.0.0.1 on port, SO_REUSEADDR so a
// restart doesn't fail on a lingering TIME_WAIT socket.
func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt(SO_REUSEADDR)", err)
	}

	addr := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}

	return fd, nil
}

// tuneAccepted applies the per-connection socket options the external
// interface contract requires: TCP_NODELAY so small RESP replies aren't
// held back by Nagle's algorithm, and an output buffer large enough to
// hold at least one full reply without the kernel ever blocking the
// write.
func tuneAccepted(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return os.NewSyscallError("setsockopt(TCP_NODELAY)", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, minSndBuf); err != nil {
		return os.NewSyscallError("setsockopt(SO_SNDBUF)", err)
	}
	return nil
}

// minSndBuf is the floor the external interface contract names for the
// kernel send buffer on accepted sockets.
const minSndBuf = 1 << 20
