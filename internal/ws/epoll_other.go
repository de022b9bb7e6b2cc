//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn              // receives connections with pending data
	done    chan struct{}
}

// peekConn reads through a bufio.Reader so the monitor can wait for data
// with Peek without consuming it.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add wraps conn and starts a goroutine that reports it ready whenever
// buffered data is available. Callers must read from the returned conn.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, br: bufio.NewReader(conn)}
	rearm := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[pc] = rearm
	e.mu.Unlock()

	go e.monitor(pc, rearm)
	return pc, nil
}

// monitor blocks on Peek until data (or an error) is available, reports the
// connection ready and waits for the reader to finish before peeking again.
func (e *Epoll) monitor(pc *peekConn, rearm chan struct{}) {
	for {
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read path sees the same error and removes the conn.
			return
		}

		select {
		case <-rearm:
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn wait for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	ch, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}
