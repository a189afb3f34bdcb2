// Package broadcast copies one admin message to every known user.
//
// The engine is identity-agnostic: the dispatcher authorizes the sender
// before building a job. Its one hard guarantee is failure isolation — a
// failed delivery to one recipient never aborts the rest, and the returned
// Result accounts for every attempted recipient exactly once.
package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "payrelay/internal/transport"
	logx "payrelay/pkg/logx"
)

type Config struct {
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

type Failure struct {
	Recipient int64
	Err       string
}

type Result struct {
	Attempted int
	Succeeded int
	Failures  []Failure
}

func (r Result) Failed() int { return len(r.Failures) }

type Engine struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{adapter: adapter, log: log}
	e.Apply(cfg)
	return e
}

func (e *Engine) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.mu.Unlock()
}

// Run copies src to every recipient except senderID and returns the
// aggregate outcome. Recipients are a snapshot taken by the caller; users
// appearing mid-broadcast are not included.
func (e *Engine) Run(ctx context.Context, senderID int64, src kit.MessageRef, recipients []int64) Result {
	targets := make([]int64, 0, len(recipients))
	for _, id := range recipients {
		if id == senderID {
			continue
		}
		targets = append(targets, id)
	}

	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()

	start := time.Now()
	e.log.Info("broadcast started", logx.Int64("sender_id", senderID), logx.Int("recipients", len(targets)))

	// One slot per target: workers write disjoint indices, so accounting is
	// exact without extra synchronization.
	errs := make([]error, len(targets))
	next := make(chan int)

	workers := cfg.Workers
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				errs[i] = e.sendOne(ctx, lim, cfg.SendTimeout, targets[i], src)
			}
		}()
	}
	for i := range targets {
		next <- i
	}
	close(next)
	wg.Wait()

	res := Result{Attempted: len(targets)}
	for i, err := range errs {
		if err == nil {
			res.Succeeded++
			continue
		}
		res.Failures = append(res.Failures, Failure{Recipient: targets[i], Err: err.Error()})
	}

	fields := []logx.Field{
		logx.Int64("sender_id", senderID),
		logx.Int("attempted", res.Attempted),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed()),
		logx.Duration("dur", time.Since(start)),
	}
	if res.Failed() > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return res
}

func (e *Engine) sendOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, recipient int64, src kit.MessageRef) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.adapter.CopyMessage(sctx, kit.ChatTarget{ChatID: recipient}, src)
	if err != nil {
		// Blocked or deactivated accounts are expected here; keep it at
		// debug and let the aggregate summary carry the signal.
		e.log.Debug("broadcast delivery failed", logx.Int64("recipient", recipient), logx.Err(err))
	}
	return err
}
