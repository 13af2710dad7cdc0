package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/coupling"
	"github.com/denizumutdereli/kairos/pkg/family"
	"github.com/denizumutdereli/kairos/pkg/lifecycle"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

// Operation types for the worker
type OpType int

const (
	OpTurn        OpType = iota // Process one conversational turn
	OpTrain                     // Replay a batch of turns
	OpStats                     // Health snapshot
	OpSave                      // Persist all structures
	OpConsolidate               // Merge near-duplicate families
	OpFamilies                  // List families
	OpCoupling                  // Clone the coupling matrix
	OpReset                     // Clear learned state
	OpShutdown                  // Shutdown worker
)

var opNames = [...]string{"turn", "train", "stats", "save", "consolidate", "families", "coupling", "reset", "shutdown"}

func (t OpType) String() string {
	if int(t) < len(opNames) {
		return opNames[t]
	}
	return "unknown"
}

// Operation represents a queued operation
type Operation struct {
	Type    OpType
	Payload any

	// Ctx scopes the operation itself. Nil means background.
	Ctx context.Context

	Result chan any
	Error  chan error
}

// TrainRequest is the OpTrain payload.
type TrainRequest struct {
	Turns  []core.TurnContext
	Epochs int
}

// Worker serialises every access to one organism through a single
// goroutine so callers from HTTP, MCP and the daemons never interleave.
type Worker struct {
	org     *organism.Organism
	tracker *lifecycle.Tracker

	ops chan *Operation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opsProcessed uint64
	opsFailed    uint64
	lastOp       time.Time

	mu sync.RWMutex
}

// DefaultQueueSize is used when NewWorker gets a non-positive size.
const DefaultQueueSize = 1000

// WorkerOption customises NewWorker.
type WorkerOption func(*Worker)

// WithTracker records every processed turn on t.
func WithTracker(t *lifecycle.Tracker) WorkerOption {
	return func(w *Worker) { w.tracker = t }
}

// NewWorker starts a worker for org. The worker does not own org;
// callers close it after Stop.
func NewWorker(org *organism.Organism, queueSize int, opts ...WorkerOption) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		org:    org,
		ops:    make(chan *Operation, queueSize),
		ctx:    ctx,
		cancel: cancel,
		lastOp: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.run()

	return w
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drainOps()
			return

		case op := <-w.ops:
			w.processOp(op)
		}
	}
}

func (w *Worker) processOp(op *Operation) {
	ctx := op.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var result any
	var err error

	if err = ctx.Err(); err == nil {
		switch op.Type {
		case OpTurn:
			turn, ok := op.Payload.(core.TurnContext)
			if !ok {
				err = core.ErrInvalidContent
				break
			}
			result, err = w.org.ProcessTurn(ctx, turn)
			w.touch(err)

		case OpTrain:
			req, ok := op.Payload.(TrainRequest)
			if !ok {
				err = core.ErrInvalidContent
				break
			}
			result, err = w.org.Train(ctx, req.Turns, req.Epochs)
			w.touch(err)

		case OpStats:
			result = w.org.Stats()

		case OpSave:
			err = w.org.Save()

		case OpConsolidate:
			result = w.org.Consolidate(ctx)

		case OpFamilies:
			result = w.org.Families()

		case OpCoupling:
			result = w.org.Coupling()

		case OpReset:
			scopes, _ := op.Payload.([]string)
			err = w.org.Reset(ctx, scopes...)

		case OpShutdown:
			w.cancel()
		}
	}

	w.mu.Lock()
	w.opsProcessed++
	if err != nil {
		w.opsFailed++
	}
	w.lastOp = time.Now()
	w.mu.Unlock()

	if op.Result != nil {
		op.Result <- result
	}
	if op.Error != nil {
		op.Error <- err
	}
}

func (w *Worker) touch(err error) {
	if err == nil && w.tracker != nil {
		w.tracker.RecordActivity()
	}
}

// Tracker returns the activity tracker, or nil.
func (w *Worker) Tracker() *lifecycle.Tracker { return w.tracker }

// drainOps answers whatever is still queued after shutdown.
func (w *Worker) drainOps() {
	for {
		select {
		case op := <-w.ops:
			if op.Result != nil {
				op.Result <- nil
			}
			if op.Error != nil {
				op.Error <- core.ErrWorkerStopped
			}
		default:
			return
		}
	}
}

// Submit queues op and waits for its result.
func (w *Worker) Submit(ctx context.Context, op *Operation) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.ctx.Err() != nil {
		return nil, core.ErrWorkerStopped
	}
	if op.Ctx == nil {
		op.Ctx = ctx
	}
	op.Result = make(chan any, 1)
	op.Error = make(chan error, 1)

	select {
	case w.ops <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, core.ErrWorkerStopped
	}

	select {
	case result := <-op.Result:
		return result, <-op.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		// The loop either answered op or drained it; an op enqueued after
		// the drain is never answered.
		w.wg.Wait()
		select {
		case result := <-op.Result:
			return result, <-op.Error
		default:
			return nil, core.ErrWorkerStopped
		}
	}
}

// SubmitAsync queues op without waiting. It reports false when the queue
// is full or the worker is stopped.
func (w *Worker) SubmitAsync(op *Operation) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
		return false
	}
}

// ProcessTurn runs one turn through the organism.
func (w *Worker) ProcessTurn(ctx context.Context, turn core.TurnContext) (core.TurnResult, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpTurn, Payload: turn})
	if err != nil {
		return core.TurnResult{}, err
	}
	return res.(core.TurnResult), nil
}

func (w *Worker) Train(ctx context.Context, turns []core.TurnContext, epochs int) (organism.TrainReport, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpTrain, Payload: TrainRequest{Turns: turns, Epochs: epochs}})
	rep, _ := res.(organism.TrainReport)
	return rep, err
}

func (w *Worker) Stats(ctx context.Context) (organism.Stats, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpStats})
	if err != nil {
		return organism.Stats{}, err
	}
	return res.(organism.Stats), nil
}

func (w *Worker) Save(ctx context.Context) error {
	_, err := w.Submit(ctx, &Operation{Type: OpSave})
	return err
}

func (w *Worker) Consolidate(ctx context.Context) ([]family.Merge, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpConsolidate})
	if err != nil {
		return nil, err
	}
	merges, _ := res.([]family.Merge)
	return merges, nil
}

func (w *Worker) Families(ctx context.Context) ([]family.Family, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpFamilies})
	if err != nil {
		return nil, err
	}
	fams, _ := res.([]family.Family)
	return fams, nil
}

func (w *Worker) Coupling(ctx context.Context) (*coupling.Matrix, error) {
	res, err := w.Submit(ctx, &Operation{Type: OpCoupling})
	if err != nil {
		return nil, err
	}
	return res.(*coupling.Matrix), nil
}

func (w *Worker) Reset(ctx context.Context, scopes ...string) error {
	_, err := w.Submit(ctx, &Operation{Type: OpReset, Payload: scopes})
	return err
}

// Organism exposes the wrapped organism for read-only accessors that do
// their own locking.
func (w *Worker) Organism() *organism.Organism { return w.org }

// Stop gracefully stops the worker and answers queued operations with
// ErrWorkerStopped.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// QueueStats returns worker statistics
func (w *Worker) QueueStats() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return map[string]any{
		"ops_processed":  w.opsProcessed,
		"ops_failed":     w.opsFailed,
		"last_op":        w.lastOp,
		"queue_length":   len(w.ops),
		"queue_capacity": cap(w.ops),
		"stopped":        w.ctx.Err() != nil,
	}
}
