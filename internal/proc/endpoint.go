package proc

import (
	"bytes"
	"io"
	"sync"
)

// byteQueue is an unbounded FIFO of bytes with blocking reads. Producers
// append and wake the consumer; Read blocks until data arrives or the queue
// is sealed. Buffered bytes remain readable after sealing, after which Read
// reports the terminal error (io.EOF when none was recorded).
type byteQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	sealed bool
	err    error
}

func newByteQueue() *byteQueue {
	q := &byteQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		if q.err != nil {
			return 0, q.err
		}
		return 0, io.ErrClosedPipe
	}
	n, _ := q.buf.Write(p)
	q.cond.Broadcast()
	return n, nil
}

func (q *byteQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.buf.Len() == 0 {
		if q.sealed {
			if q.err != nil {
				return 0, q.err
			}
			return 0, io.EOF
		}
		q.cond.Wait()
	}
	return q.buf.Read(p)
}

// seal closes the queue for new writes and unblocks any waiting reader. A
// nil err leaves subsequent reads returning io.EOF once the buffer drains.
// Sealing twice keeps the first error.
func (q *byteQueue) seal(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return
	}
	q.sealed = true
	q.err = err
	q.cond.Broadcast()
}

// OutputStream is the readable endpoint carrying the child's merged output
// bytes in emission order. Read blocks until the output pump delivers data
// or the child's output handle closes.
type OutputStream struct {
	q *byteQueue
}

func (s *OutputStream) Read(p []byte) (int, error) { return s.q.Read(p) }

// Close stops delivery. Bytes already buffered stay readable; the output
// pump observes the closed queue and exits.
func (s *OutputStream) Close() error {
	s.q.seal(nil)
	return nil
}

// InputStream is the writable endpoint feeding the child's stdin. Writes
// enqueue and return without waiting for the child to drain them; delivery
// is the input pump's job.
type InputStream struct {
	q *byteQueue
}

func (s *InputStream) Write(p []byte) (int, error) { return s.q.Write(p) }

// Close marks the end of input. The input pump forwards anything still
// queued and then exits; the child's stdin handle itself closes with the
// session.
func (s *InputStream) Close() error {
	s.q.seal(nil)
	return nil
}

var (
	_ io.ReadCloser  = (*OutputStream)(nil)
	_ io.WriteCloser = (*InputStream)(nil)
)
