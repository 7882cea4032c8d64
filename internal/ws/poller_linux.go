//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 200

// poller wraps Linux epoll syscalls for WebSocket I/O multiplexing. Instead
// of parking a goroutine per connection, descriptors are registered with the
// kernel and a worker is dispatched only when data is ready to read.
type poller struct {
	fd     int
	conns  map[int]net.Conn // fd -> net.Conn mapping
	mu     sync.RWMutex     // protects conns
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness and hang-up notifications.
func (p *poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a connection. It must run before the socket is closed.
func (p *poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait returns the connections with pending data. An empty slice means the
// wait timed out.
func (p *poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor from a net.Conn using SyscallConn,
// which, unlike File, does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
