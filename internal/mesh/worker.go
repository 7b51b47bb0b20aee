package mesh

import "sync"

// peerWorker runs the adapter calls of one peer one at a time, in the
// order they were queued. Its goroutine only lives while jobs are queued;
// onIdle is called each time it exits with nothing left to do.
type peerWorker struct {
	onIdle func()

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

func newPeerWorker(onIdle func()) *peerWorker {
	return &peerWorker{onIdle: onIdle}
}

// enqueue never blocks.
func (w *peerWorker) enqueue(fn func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, fn)
	start := !w.running
	w.running = true
	w.mu.Unlock()

	if start {
		go w.run()
	}
}

// close drops queued jobs. A job already running finishes on its own.
func (w *peerWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	w.mu.Unlock()
}

// idle reports whether no job is queued or running.
func (w *peerWorker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.running && len(w.queue) == 0
}

func (w *peerWorker) run() {
	for {
		w.mu.Lock()
		if w.closed || len(w.queue) == 0 {
			w.running = false
			closed := w.closed
			w.mu.Unlock()
			if !closed && w.onIdle != nil {
				w.onIdle()
			}
			return
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		fn()
	}
}
