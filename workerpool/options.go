// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package workerpool

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// defaultSpinCount is the number of times an idle worker yields before
// parking.
const defaultSpinCount = 64

// poolOptions holds configuration options for Pool creation.
type poolOptions struct {
	logger       *logiface.Logger[logiface.Event]
	observer     func(time.Duration)
	spinCount    int
	lockOSThread bool
}

// Option configures a Pool instance.
type Option interface {
	applyPool(*poolOptions) error
}

// poolOptionImpl implements Option.
type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (o *poolOptionImpl) applyPool(opts *poolOptions) error {
	return o.applyPoolFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSpinCount sets the number of times an idle worker will yield the
// processor, checking for work, before parking. Zero parks immediately.
func WithSpinCount(n int) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		if n < 0 {
			return errors.New(`workerpool: spin count must not be negative`)
		}
		opts.spinCount = n
		return nil
	}}
}

// WithLockOSThread wires each worker to its own OS thread, for the lifetime
// of the pool.
func WithLockOSThread(enabled bool) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.lockOSThread = enabled
		return nil
	}}
}

// WithRunObserver registers a function that will be called, on the worker,
// with the duration of every routine. It must be safe for concurrent use.
func WithRunObserver(fn func(time.Duration)) Option {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.observer = fn
		return nil
	}}
}

// resolvePoolOptions applies Option instances to poolOptions.
func resolvePoolOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{
		spinCount: defaultSpinCount,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
