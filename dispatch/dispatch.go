package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
)

// Config holds pool configuration.
type Config struct {
	// Workers bounds concurrently running tasks.
	// Default: 64
	Workers int

	// IdleExpiry is how long an idle worker lives.
	// Default: 10s
	IdleExpiry time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    64,
		IdleExpiry: 10 * time.Second,
	}
}

// PanicHandler receives a task panic converted to a HANDLER_FAULT error.
type PanicHandler func(err error)

// Pool runs tasks on a bounded set of workers. Tasks submitted under the
// same key run one at a time in submission order.
type Pool struct {
	pool    *ants.Pool
	logger  *logging.Logger
	onPanic PanicHandler

	wg     sync.WaitGroup
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	panics atomic.Uint64
}

type lane struct {
	tasks []func()
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for recovered panics.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPanicHandler sets a hook called for every recovered panic.
func WithPanicHandler(h PanicHandler) Option {
	return func(p *Pool) { p.onPanic = h }
}

// New creates a pool.
func New(cfg Config, opts ...Option) (*Pool, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = def.IdleExpiry
	}

	p := &Pool{
		logger: logging.Nop(),
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(p)
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithExpiryDuration(cfg.IdleExpiry))
	if err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidArgument, "create worker pool")
	}
	p.pool = pool
	return p, nil
}

// Submit runs fn on a worker, blocking while every worker is busy.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return buserr.InvalidState("dispatch pool released")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.pool.Submit(func() {
		defer p.wg.Done()
		p.run(fn)
	}); err != nil {
		p.wg.Done()
		return buserr.WrapWithCode(err, buserr.ErrCodeInvalidState, "submit task")
	}
	return nil
}

// SubmitKeyed queues fn behind earlier tasks with the same key. Different
// keys run concurrently.
func (p *Pool) SubmitKeyed(key string, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return buserr.InvalidState("dispatch pool released")
	}
	if l, ok := p.lanes[key]; ok {
		l.tasks = append(l.tasks, fn)
		p.mu.Unlock()
		return nil
	}
	l := &lane{tasks: []func(){fn}}
	p.lanes[key] = l
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.pool.Submit(func() {
		defer p.wg.Done()
		p.drain(key, l)
	}); err != nil {
		p.mu.Lock()
		delete(p.lanes, key)
		p.mu.Unlock()
		p.wg.Done()
		return buserr.WrapWithCode(err, buserr.ErrCodeInvalidState, "submit keyed task")
	}
	return nil
}

// drain runs a lane's tasks until it is empty, then retires it.
func (p *Pool) drain(key string, l *lane) {
	for {
		p.mu.Lock()
		if len(l.tasks) == 0 {
			delete(p.lanes, key)
			p.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		p.mu.Unlock()

		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := buserr.RecoverPanic(r)
			p.panics.Add(1)
			p.logger.HandlerFault("task", "dispatch", err)
			if p.onPanic != nil {
				p.onPanic(err)
			}
		}
	}()
	fn()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Release refuses new tasks, waits for queued ones and stops the workers.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Release()
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Panics returns how many task panics were recovered.
func (p *Pool) Panics() uint64 {
	return p.panics.Load()
}
