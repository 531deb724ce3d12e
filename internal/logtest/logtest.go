// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package logtest provides a logger that captures JSON log lines, for use
// in tests.
package logtest

import (
	"bufio"
	"bytes"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Buffer is a goroutine-safe io.Writer, accumulating log output.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *Buffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *Buffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

// Lines returns each line written so far.
func (x *Buffer) Lines() (lines []string) {
	scanner := bufio.NewScanner(strings.NewReader(x.String()))
	for scanner.Scan() {
		if line := scanner.Text(); line != `` {
			lines = append(lines, line)
		}
	}
	return lines
}

// Count returns the number of lines containing substr.
func (x *Buffer) Count(substr string) (n int) {
	for _, line := range x.Lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// New returns a logger that writes every level to the returned Buffer,
// without timestamps.
func New() (*logiface.Logger[logiface.Event], *Buffer) {
	var b Buffer
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&b), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger(), &b
}
