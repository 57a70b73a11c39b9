package renderproc

import (
	"context"
	"encoding/gob"
	"errors"
	"io"
	"sync"
)

// Conn is one end of a message connection. Messages are delivered in FIFO
// order and Send never waits for the receiver.
type Conn interface {
	Send(m Message) error
	// Recv waits for the next message or until ctx is done.
	Recv(ctx context.Context) (Message, error)
	// Poll returns the next message if one is queued.
	Poll() (m Message, ok bool, err error)
	// Ready is signalled after a message is queued. Spurious wakeups are possible.
	Ready() <-chan struct{}
	Close() error
}

// queue is an unbounded FIFO of messages with a single consumer.
type queue struct {
	mu     sync.Mutex
	items  []Message
	err    error // Set once closed.
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m Message) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the oldest message. Queued messages are still delivered
// after the queue is closed, then the close error is returned.
func (q *queue) pop() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false, q.err
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	return m, true, nil
}

func (q *queue) close(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *queue) recv(ctx context.Context) (Message, error) {
	for {
		m, ok, err := q.pop()
		if ok {
			return m, nil
		} else if err != nil {
			return Message{}, err
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// pipeConn is an in-process connection end.
type pipeConn struct {
	in, out *queue
}

// Pipe returns two connected in-process connection ends. Closing one end
// makes the other end's Recv return [ErrClosed] once drained.
func Pipe() (client, worker Conn) {
	a, b := newQueue(), newQueue()
	return &pipeConn{in: b, out: a}, &pipeConn{in: a, out: b}
}

func (p *pipeConn) Send(m Message) error                      { return p.out.push(m) }
func (p *pipeConn) Recv(ctx context.Context) (Message, error) { return p.in.recv(ctx) }
func (p *pipeConn) Poll() (Message, bool, error)              { return p.in.pop() }
func (p *pipeConn) Ready() <-chan struct{}                    { return p.in.notify }

func (p *pipeConn) Close() error {
	p.out.close(ErrClosed)
	p.in.close(ErrClosed)
	return nil
}

// streamConn sends gob encoded messages over a byte stream.
type streamConn struct {
	in   *queue
	mu   sync.Mutex
	enc  *gob.Encoder
	w    io.Writer
	r    io.Reader
	once sync.Once
}

// NewStream returns a connection exchanging gob encoded messages over r
// and w, i.e: the standard input and output of a worker process. A
// goroutine reads r until it fails or the connection is closed.
// Argument types not registered with gob cannot be sent.
func NewStream(r io.Reader, w io.Writer) Conn {
	c := &streamConn{
		in:  newQueue(),
		enc: gob.NewEncoder(w),
		w:   w,
		r:   r,
	}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	dec := gob.NewDecoder(c.r)
	for {
		var m Message
		err := dec.Decode(&m)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = ErrClosed
			}
			c.in.close(err)
			return
		}
		if c.in.push(m) != nil {
			return
		}
	}
}

func (c *streamConn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return ErrClosed
	}
	return c.enc.Encode(&m)
}

func (c *streamConn) Recv(ctx context.Context) (Message, error) { return c.in.recv(ctx) }
func (c *streamConn) Poll() (Message, bool, error)              { return c.in.pop() }
func (c *streamConn) Ready() <-chan struct{}                    { return c.in.notify }

// Close closes the writer and reader if they implement io.Closer.
func (c *streamConn) Close() error {
	var errs []error
	c.once.Do(func() {
		c.mu.Lock()
		c.enc = nil
		c.mu.Unlock()
		c.in.close(ErrClosed)
		if wc, ok := c.w.(io.Closer); ok {
			errs = append(errs, wc.Close())
		}
		if rc, ok := c.r.(io.Closer); ok {
			errs = append(errs, rc.Close())
		}
	})
	return errors.Join(errs...)
}
