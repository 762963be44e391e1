//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls. Instead of parking a goroutine on every
// socket, descriptors are registered with the kernel and the server is told
// which connections have data to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // socket fd -> connection
	mu          sync.RWMutex        // protects connections
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness (EPOLLIN | EPOLLHUP).
func (e *Epoll) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return fmt.Errorf("ws: connection %s has no socket fd", c.ID)
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	c.fd = fd
	e.connections[fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection. The descriptor may already be closed, in
// which case the kernel dropped it from the interest list on its own.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	fd := c.fd
	if cur, ok := e.connections[fd]; !ok || cur != c {
		e.mu.Unlock()
		return nil
	}
	delete(e.connections, fd)
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Done is a no-op: epoll is level-triggered and reports the connection again
// while unread data remains.
func (e *Epoll) Done(*Connection) {}

// waitTimeoutMs bounds one Wait so the event loop notices shutdown.
const waitTimeoutMs = 100

// Wait blocks until one or more registered connections are ready for
// reading or the wait times out. EINTR and timeouts yield an empty batch.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn without duplicating
// it (File() would).
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
