package session

// commandQueue is the FIFO of pending commands plus the single in-flight slot.
// It is owned by the Manager's owner loop and is not safe for concurrent use.
type commandQueue struct {
	pending  []*Ticket
	inflight *Ticket
}

func newCommandQueue() *commandQueue {
	return &commandQueue{}
}

func (q *commandQueue) push(t *Ticket) {
	q.pending = append(q.pending, t)
}

// next pops the head when nothing is in flight and marks it in flight
func (q *commandQueue) next() *Ticket {
	if q.inflight != nil || len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inflight = t
	return t
}

// finish clears the in-flight slot if it holds t
func (q *commandQueue) finish(t *Ticket) bool {
	if q.inflight == nil || q.inflight != t {
		return false
	}
	q.inflight = nil
	return true
}

// remove drops a pending ticket, reporting whether it was found
func (q *commandQueue) remove(t *Ticket) bool {
	for i, p := range q.pending {
		if p == t {
			copy(q.pending[i:], q.pending[i+1:])
			q.pending[len(q.pending)-1] = nil
			q.pending = q.pending[:len(q.pending)-1]
			return true
		}
	}
	return false
}

// drain empties the pending list and returns its tickets in FIFO order
func (q *commandQueue) drain() []*Ticket {
	out := q.pending
	q.pending = nil
	return out
}

func (q *commandQueue) busy() bool {
	return q.inflight != nil
}

func (q *commandQueue) len() int {
	return len(q.pending)
}
