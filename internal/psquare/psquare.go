// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package psquare implements streaming quantile estimation using the P²
// algorithm (Jain and Chlamtac, 1985), which tracks a quantile using five
// markers, without storing observations.
//
// Nothing in this package is safe for concurrent use.
package psquare

import (
	"math"
	"slices"
	"time"
)

const markers = 5

// Estimator tracks a single quantile.
type Estimator struct {
	p float64
	// heights of each marker
	q [markers]float64
	// actual (integer) positions of each marker
	n [markers]int
	// desired positions of each marker
	np [markers]float64
	// increments to the desired positions, per observation
	dn    [markers]float64
	count int
}

// NewEstimator returns an Estimator for the quantile p, which is clamped to
// [0, 1].
func NewEstimator(p float64) *Estimator {
	var e Estimator
	e.init(p)
	return &e
}

func (e *Estimator) init(p float64) {
	p = math.Max(0, math.Min(1, p))
	*e = Estimator{
		p:  p,
		dn: [markers]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// P returns the quantile being estimated.
func (e *Estimator) P() float64 { return e.p }

// Count returns the number of observations.
func (e *Estimator) Count() int { return e.count }

// Observe adds x to the estimate.
func (e *Estimator) Observe(x float64) {
	if e.count < markers {
		// the first observations are stored directly in the heights
		e.q[e.count] = x
		e.count++
		if e.count == markers {
			slices.Sort(e.q[:])
			for i := range e.n {
				e.n[i] = i
			}
			e.np = [markers]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
		}
		return
	}
	e.count++

	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
	case x >= e.q[markers-1]:
		e.q[markers-1] = x
		k = markers - 2
	default:
		for k = 0; k < markers-2 && x >= e.q[k+1]; k++ {
		}
	}

	for i := k + 1; i < markers; i++ {
		e.n[i]++
	}
	for i := range e.np {
		e.np[i] += e.dn[i]
	}

	for i := 1; i < markers-1; i++ {
		d := e.np[i] - float64(e.n[i])
		if !(d >= 1 && e.n[i+1]-e.n[i] > 1) && !(d <= -1 && e.n[i-1]-e.n[i] < -1) {
			continue
		}
		s := 1
		if d < 0 {
			s = -1
		}
		if h := e.parabolic(i, s); e.q[i-1] < h && h < e.q[i+1] {
			e.q[i] = h
		} else {
			e.q[i] = e.linear(i, s)
		}
		e.n[i] += s
	}
}

func (e *Estimator) parabolic(i, s int) float64 {
	d := float64(s)
	n0, n1, n2 := float64(e.n[i-1]), float64(e.n[i]), float64(e.n[i+1])
	return e.q[i] + d/(n2-n0)*((n1-n0+d)*(e.q[i+1]-e.q[i])/(n2-n1)+
		(n2-n1-d)*(e.q[i]-e.q[i-1])/(n1-n0))
}

func (e *Estimator) linear(i, s int) float64 {
	j := i + s
	return e.q[i] + float64(s)*(e.q[j]-e.q[i])/float64(e.n[j]-e.n[i])
}

// Value returns the current estimate, or 0 if there have been no
// observations. Until enough observations have been made to seed the
// markers, the nearest-rank value is returned.
func (e *Estimator) Value() float64 {
	switch {
	case e.count == 0:
		return 0
	case e.count < markers:
		var buf [markers]float64
		seen := buf[:e.count]
		copy(seen, e.q[:e.count])
		slices.Sort(seen)
		return seen[int(float64(e.count-1)*e.p)]
	default:
		return e.q[2]
	}
}

// Summary tracks several quantiles of a stream of durations, plus the
// count, sum, min and max.
type Summary struct {
	estimators []Estimator
	sum        time.Duration
	min        time.Duration
	max        time.Duration
	count      int
}

// NewSummary returns a Summary tracking each of the given quantiles.
func NewSummary(quantiles ...float64) *Summary {
	s := &Summary{estimators: make([]Estimator, len(quantiles))}
	for i, p := range quantiles {
		s.estimators[i].init(p)
	}
	return s
}

// Observe records a duration.
func (s *Summary) Observe(d time.Duration) {
	if s.count == 0 || d < s.min {
		s.min = d
	}
	if s.count == 0 || d > s.max {
		s.max = d
	}
	s.count++
	s.sum += d
	for i := range s.estimators {
		s.estimators[i].Observe(float64(d))
	}
}

// Quantile returns the estimate for the quantile p, which must be one of
// those the Summary was constructed with, otherwise false is returned.
func (s *Summary) Quantile(p float64) (time.Duration, bool) {
	for i := range s.estimators {
		if s.estimators[i].p == p {
			return time.Duration(s.estimators[i].Value()), true
		}
	}
	return 0, false
}

// Quantiles returns the tracked quantiles, in construction order.
func (s *Summary) Quantiles() []float64 {
	out := make([]float64, len(s.estimators))
	for i := range s.estimators {
		out[i] = s.estimators[i].p
	}
	return out
}

func (s *Summary) Count() int         { return s.count }
func (s *Summary) Sum() time.Duration { return s.sum }
func (s *Summary) Min() time.Duration { return s.min }
func (s *Summary) Max() time.Duration { return s.max }

// Mean returns the average duration, or 0 if there have been no
// observations.
func (s *Summary) Mean() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.sum / time.Duration(s.count)
}

// Reset clears all observations.
func (s *Summary) Reset() {
	for i := range s.estimators {
		s.estimators[i].init(s.estimators[i].p)
	}
	s.sum, s.min, s.max, s.count = 0, 0, 0, 0
}
