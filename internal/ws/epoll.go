//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// eventBatchSize bounds how many ready descriptors one Wait call collects.
const eventBatchSize = 128

// Epoll multiplexes reads across every WebSocket connection through a single
// kernel epoll instance, so the gateway needs no per-connection read
// goroutine. Descriptors are registered once at upgrade time and the event
// loop learns which ones have pending frames.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // registered descriptors by fd
	mu          sync.RWMutex      // protects connections
	events      []unix.EpollEvent // reusable buffer handed to epoll_wait
}

// NewEpoll creates the kernel epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, eventBatchSize),
	}, nil
}

// Add puts the connection's descriptor on the interest list, watching for
// readable data and hangups.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("ws: epoll add fd=%d: %w", fd, err)
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes the connection's descriptor off the interest list and forgets
// it.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("ws: epoll remove fd=%d: %w", fd, err)
	}

	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks in epoll_wait until at least one registered connection has
// pending data, then resolves the ready descriptors back to their
// connections. A descriptor that was removed while the wait was in flight is
// skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD digs the raw file descriptor out of a net.Conn via SyscallConn.
// Unlike File(), this does not duplicate the descriptor, so the one epoll
// watches is the one the connection actually reads from.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
