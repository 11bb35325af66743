package queue

import "github.com/golang-collections/collections/queue"

// fifo is a typed view over the collections queue holding URLs.
type fifo struct {
	q *queue.Queue
}

func newFIFO() *fifo {
	return &fifo{q: queue.New()}
}

func (f *fifo) push(url string) {
	f.q.Enqueue(url)
}

func (f *fifo) pop() (string, bool) {
	if f.q.Len() == 0 {
		return "", false
	}
	url, ok := f.q.Dequeue().(string)
	return url, ok
}

func (f *fifo) len() int {
	return f.q.Len()
}

// snapshot returns the queued URLs front to back, leaving the queue unchanged.
func (f *fifo) snapshot() []string {
	n := f.q.Len()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v := f.q.Dequeue()
		out = append(out, v.(string))
		f.q.Enqueue(v)
	}
	return out
}
