//go:build linux

// Package eventloop runs the single-threaded readiness loop: one epoll
// instance, one fd-keyed connection map, no other goroutines touching
// connection state.
package eventloop

import "golang.org/x/sys/unix"

// poller wraps a single epoll instance. Every registered fd starts
// read-only; write interest is toggled on and off as a connection's
// output buffer fills and drains.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) addRead(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (p *poller) enableWrite(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(fd),
	})
}

func (p *poller) disableWrite(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	return unix.EpollWait(p.epfd, events, timeoutMs)
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
