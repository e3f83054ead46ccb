package core

// queue is a bounded FIFO ring of requests. The head is the active request.
type queue struct {
	buf  []*Request
	head int
	n    int
}

func newQueue(capacity int) queue {
	return queue{buf: make([]*Request, capacity)}
}

func (q *queue) len() int { return q.n }
func (q *queue) cap() int { return len(q.buf) }

func (q *queue) front() *Request {
	if q.n == 0 {
		return nil
	}
	return q.buf[q.head]
}

func (q *queue) push(r *Request) bool {
	if q.n == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = r
	q.n++
	return true
}

func (q *queue) pop() *Request {
	if q.n == 0 {
		return nil
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return r
}

func (q *queue) contains(r *Request) bool {
	for i := 0; i < q.n; i++ {
		if q.buf[(q.head+i)%len(q.buf)] == r {
			return true
		}
	}
	return false
}
