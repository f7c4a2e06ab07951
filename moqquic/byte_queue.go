package moqquic

// byteQueue is a bounded FIFO of bytes. Bytes are appended at the tail and
// consumed from the head; a write never overwrites buffered bytes.
// It is not safe for concurrent use.
type byteQueue struct {
	buf   []byte // buffered bytes are buf[head:]
	head  int
	limit int
}

func newByteQueue(limit int) byteQueue {
	return byteQueue{limit: limit}
}

// Len returns the number of buffered bytes.
func (q *byteQueue) Len() int {
	return len(q.buf) - q.head
}

// Free returns the number of bytes Write can still accept.
func (q *byteQueue) Free() int {
	return q.limit - q.Len()
}

// Write appends as much of p as fits and returns the count accepted.
func (q *byteQueue) Write(p []byte) int {
	n := min(len(p), q.Free())
	if n <= 0 {
		return 0
	}

	if q.head > 0 && len(q.buf)+n > cap(q.buf) {
		q.compact()
	}
	q.buf = append(q.buf, p[:n]...)

	return n
}

// Read moves up to len(p) bytes from the head into p.
func (q *byteQueue) Read(p []byte) int {
	n := copy(p, q.buf[q.head:])
	q.Discard(n)
	return n
}

// Peek returns a copy of up to max bytes from the head without consuming them.
func (q *byteQueue) Peek(max int) []byte {
	n := min(max, q.Len())
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, q.buf[q.head:q.head+n])
	return out
}

// Discard drops up to n bytes from the head.
func (q *byteQueue) Discard(n int) {
	n = min(n, q.Len())
	if n <= 0 {
		return
	}
	q.head += n

	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
}

// Reset drops every buffered byte and releases the storage.
func (q *byteQueue) Reset() {
	q.buf = nil
	q.head = 0
}

func (q *byteQueue) compact() {
	n := copy(q.buf, q.buf[q.head:])
	q.buf = q.buf[:n]
	q.head = 0
}
