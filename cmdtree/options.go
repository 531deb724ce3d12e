// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package cmdtree

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-cmdtree/workerpool"
	"github.com/joeycumines/logiface"
)

// DefaultJoinTimeout bounds how long a run waits for workers to park, once
// the tree has completed or failed.
const DefaultJoinTimeout = 10 * time.Second

// defaultFailureLogRates limits failure warnings, per node.
var defaultFailureLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	failureLimiter *catrate.Limiter
	observer       func(Result)
	poolOptions    []workerpool.Option
	joinTimeout    time.Duration
	// limiterSet distinguishes an explicitly disabled limiter from the default
	limiterSet bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements Option.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger configures structured logging, for both the scheduler and its
// worker pool. A nil logger disables logging, which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithJoinTimeout bounds how long a run waits for workers to finish their
// current routine, after the tree completes or fails. Negative values wait
// indefinitely. Defaults to DefaultJoinTimeout.
func WithJoinTimeout(timeout time.Duration) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.joinTimeout = timeout
		return nil
	}}
}

// WithFailureLogRate configures the rate at which node failures are logged,
// per node, see catrate.NewLimiter. A nil or empty map disables limiting.
func WithFailureLogRate(rates map[time.Duration]int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) (err error) {
		opts.limiterSet = true
		if len(rates) == 0 {
			opts.failureLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf(`cmdtree: invalid failure log rate: %v`, r)
			}
		}()
		opts.failureLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithPoolOptions passes options through to the worker pool.
func WithPoolOptions(options ...workerpool.Option) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.poolOptions = append(opts.poolOptions, options...)
		return nil
	}}
}

// WithRunObserver registers a function that will be called with the result
// of every ExecuteCommands or ExecuteContext call that started a run.
func WithRunObserver(fn func(Result)) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.observer = fn
		return nil
	}}
}

// resolveSchedulerOptions applies Option instances to schedulerOptions.
func resolveSchedulerOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		joinTimeout: DefaultJoinTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.limiterSet {
		cfg.failureLimiter = catrate.NewLimiter(defaultFailureLogRates)
	}
	return cfg, nil
}
