package hci

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// workers runs the deferred tasks of a device: inbound frame processing,
// command dispatch and data transmission. Each loop is fed by a kick channel
// of depth one, so any number of kicks before a pass collapse into one pass.
type workers struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	g       *errgroup.Group

	rx  chan struct{}
	cmd chan struct{}
	tx  chan struct{}
}

func (w *workers) init() {
	w.rx = make(chan struct{}, 1)
	w.cmd = make(chan struct{}, 1)
	w.tx = make(chan struct{}, 1)
}

func (d *Device) startWorkers() {
	w := &d.work
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	w.cancel = cancel
	w.g = g
	w.running = true

	g.Go(func() error { return runWorker(ctx, w.rx, d.rxWork) })
	g.Go(func() error { return runWorker(ctx, w.cmd, d.cmdWork) })
	g.Go(func() error { return runWorker(ctx, w.tx, d.txWork) })
}

// stopWorkers cancels the loops and waits for them. Kicks issued after this
// point are dropped.
func (d *Device) stopWorkers() error {
	w := &d.work
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, g := w.cancel, w.g
	w.mu.Unlock()

	cancel()
	err := g.Wait()

	w.mu.Lock()
	for _, ch := range []chan struct{}{w.rx, w.cmd, w.tx} {
		select {
		case <-ch:
		default:
		}
	}
	w.mu.Unlock()
	return err
}

func runWorker(ctx context.Context, kick <-chan struct{}, fn func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
			fn()
		}
	}
}

func (w *workers) kick(ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// idle reports whether no loop is running and no pass is pending.
func (w *workers) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.running && len(w.rx) == 0 && len(w.cmd) == 0 && len(w.tx) == 0
}

func (d *Device) kickRx()  { d.work.kick(d.work.rx) }
func (d *Device) kickCmd() { d.work.kick(d.work.cmd) }
func (d *Device) kickTx()  { d.work.kick(d.work.tx) }
