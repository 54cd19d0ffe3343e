package webhook

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher is the bounded per-workspace async task queue chosen by §9's
// concurrency design: one buffered channel and one worker goroutine per
// workspace, created lazily on first use, so that C3/C4/C5 runs for a
// single workspace are strictly serialized while different workspaces
// proceed fully in parallel. The webhook ACK path never waits on this
// queue (§4.6 step 11, "fire-and-forget").
type Dispatcher struct {
	mu        sync.Mutex
	queues    map[string]chan func()
	queueSize int
	wg        sync.WaitGroup
	done      chan struct{}
}

func NewDispatcher(queueSize int) *Dispatcher {
	return &Dispatcher{
		queues:    make(map[string]chan func()),
		queueSize: queueSize,
		done:      make(chan struct{}),
	}
}

// Dispatch enqueues task onto workspaceID's queue, starting its worker if
// this is the first task seen for that workspace. A full queue drops the
// task rather than blocking the caller — the next push will re-derive the
// same state from persisted data, so a dropped run is never silently lost
// information, only delayed propagation (§9).
func (d *Dispatcher) Dispatch(workspaceID string, task func()) {
	d.mu.Lock()
	q, ok := d.queues[workspaceID]
	if !ok {
		q = make(chan func(), d.queueSize)
		d.queues[workspaceID] = q
		d.wg.Add(1)
		go d.worker(workspaceID, q)
	}
	d.mu.Unlock()

	select {
	case q <- task:
	default:
		zap.L().Warn("webhook: workspace dispatch queue full, dropping task", zap.String("workspace_id", workspaceID))
	}
}

func (d *Dispatcher) worker(workspaceID string, q chan func()) {
	defer d.wg.Done()
	for {
		select {
		case task := <-q:
			task()
		case <-d.done:
			d.drain(q)
			return
		}
	}
}

func (d *Dispatcher) drain(q chan func()) {
	for {
		select {
		case task := <-q:
			task()
		default:
			return
		}
	}
}

// Shutdown signals every worker to drain its queue and return, then waits
// for them all to finish. Called from the server's graceful shutdown path.
func (d *Dispatcher) Shutdown() {
	close(d.done)
	d.wg.Wait()
}
