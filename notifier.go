package chatws

import "sync"

// notifier runs callbacks one at a time, in the order they were pushed, on its own goroutine. Pushing never
// blocks, so the client goroutine can hand work to user code without waiting for it, and user code can
// call back into the client without deadlocking.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push queues fn. It reports false once the notifier is closed.
func (n *notifier) push(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	n.signal()
	return true
}

// close stops accepting work. Callbacks already queued still run.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)

	for {
		n.mu.Lock()
		batch, closed := n.queue, n.closed
		n.queue = nil
		n.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}
