//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
)

// Epoll is the fallback poller for platforms without epoll. Each connection
// gets a goroutine that peeks one byte through a buffered reader, reports
// the connection ready, and waits for the server to finish reading before
// peeking again. Peeking does not consume, so frames stay intact.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. Reads must go through c.reader from now on.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br

	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	go e.monitor(c, br)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader) {
	for {
		_, err := br.Peek(1)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			// A read deadline left over from the server; try again.
			continue
		}
		if !e.registered(c) {
			return
		}
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			// Closed or broken: the server's read will fail and remove it.
			return
		}
		select {
		case <-c.resume:
		case <-e.done:
			return
		}
	}
}

func (e *Epoll) registered(c *Connection) bool {
	e.mu.Lock()
	_, ok := e.conns[c]
	e.mu.Unlock()
	return ok
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	e.Done(c)
	return nil
}

// Done lets the monitor of c peek again.
func (e *Epoll) Done(c *Connection) {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[*Connection]struct{})
	e.mu.Unlock()
	return nil
}
