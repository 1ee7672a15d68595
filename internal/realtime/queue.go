package realtime

// audioQueue buffers chunks produced before the channel is ready. It is not
// safe for concurrent use; the Session guards it with its own lock.
type audioQueue struct {
	items   [][]byte
	flushed bool
}

// enqueue copies chunk onto the tail of the queue.
func (q *audioQueue) enqueue(chunk []byte) {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	q.items = append(q.items, buf)
}

// flush hands every buffered chunk to send in insertion order, dropping each
// one once sent. It runs at most once; later calls are no-ops. If send fails
// the remaining chunks are discarded and the error returned.
func (q *audioQueue) flush(send func([]byte) error) error {
	if q.flushed {
		return nil
	}
	q.flushed = true

	for len(q.items) > 0 {
		chunk := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		if err := send(chunk); err != nil {
			q.discard()
			return err
		}
	}
	q.items = nil
	return nil
}

// discard drops buffered chunks without sending them.
func (q *audioQueue) discard() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *audioQueue) len() int {
	return len(q.items)
}
