// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package dagfile loads command trees described in YAML.
//
// A document names each node, the nodes it depends on, and a synthetic
// action to run:
//
//	name: build
//	nodes:
//	  - name: fetch
//	    action: {kind: sleep, duration: 5ms}
//	  - name: compile
//	    depends: [fetch]
//	    action: {kind: fail, code: 3}
//
// The supported action kinds are noop, sleep, spin (busy loop for a number
// of iterations), and fail (return a non-zero code).
package dagfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-cmdtree/cmdtree"
	"gopkg.in/yaml.v3"
)

// MaxFileSize is the largest document Load will read.
const MaxFileSize = 1 << 20

// Action kinds.
const (
	KindNoop  = `noop`
	KindSleep = `sleep`
	KindSpin  = `spin`
	KindFail  = `fail`
)

var (
	ErrInvalid  = errors.New(`dagfile: invalid document`)
	ErrTooLarge = errors.New(`dagfile: document too large`)
)

type (
	// File is a decoded document.
	File struct {
		Name  string `yaml:"name"`
		Nodes []Node `yaml:"nodes"`
	}

	Node struct {
		Name    string   `yaml:"name"`
		Depends []string `yaml:"depends,omitempty"`
		Action  Action   `yaml:"action"`
	}

	// Action is the work performed by a node. Fields not relevant to the
	// kind must be left unset.
	Action struct {
		Kind       string        `yaml:"kind"`
		Duration   time.Duration `yaml:"duration,omitempty"`
		Iterations int           `yaml:"iterations,omitempty"`
		Code       int32         `yaml:"code,omitempty"`
	}
)

// spinSink keeps the spin loop from being optimised away.
var spinSink atomic.Uint64

// Load reads and decodes the document at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf(`dagfile: %w`, err)
	}
	defer f.Close()
	file, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf(`%w (%s)`, err, path)
	}
	return file, nil
}

// Decode reads a document from r, rejecting unknown fields, and validates
// it.
func Decode(r io.Reader) (*File, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf(`dagfile: %w`, err)
	}
	if len(b) > MaxFileSize {
		return nil, fmt.Errorf(`%w: exceeds %d bytes`, ErrTooLarge, MaxFileSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf(`%w: %w`, ErrInvalid, err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks names are unique and non-empty, dependencies refer to
// other nodes, and every action is well formed. The tree limits of
// cmdtree are enforced by ConstructTree, not here.
func (x *File) Validate() error {
	seen := make(map[string]int, len(x.Nodes))
	for i := range x.Nodes {
		node := &x.Nodes[i]
		if node.Name == `` {
			return fmt.Errorf(`%w: node %d has no name`, ErrInvalid, i)
		}
		if j, ok := seen[node.Name]; ok {
			return fmt.Errorf(`%w: node %d has the same name as node %d: %q`, ErrInvalid, i, j, node.Name)
		}
		seen[node.Name] = i
		if err := node.Action.validate(); err != nil {
			return fmt.Errorf(`%w: node %q: %s`, ErrInvalid, node.Name, err)
		}
	}
	for i := range x.Nodes {
		node := &x.Nodes[i]
		for _, dep := range node.Depends {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf(`%w: node %q depends on unknown node %q`, ErrInvalid, node.Name, dep)
			}
			if dep == node.Name {
				return fmt.Errorf(`%w: node %q depends on itself`, ErrInvalid, node.Name)
			}
		}
	}
	return nil
}

// Descs converts the document to the input of cmdtree.ConstructTree,
// preserving node order. Each node's Arg is a pointer to its Action.
func (x *File) Descs() ([]cmdtree.NodeDesc, error) {
	if err := x.Validate(); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(x.Nodes))
	for i := range x.Nodes {
		index[x.Nodes[i].Name] = i
	}
	descs := make([]cmdtree.NodeDesc, len(x.Nodes))
	for i := range x.Nodes {
		node := &x.Nodes[i]
		desc := &descs[i]
		desc.Name = node.Name
		desc.Arg = &node.Action
		desc.Routine = routines[node.Action.Kind]
		if len(node.Depends) != 0 {
			desc.Depends = make([]int, len(node.Depends))
			for j, dep := range node.Depends {
				desc.Depends[j] = index[dep]
			}
		}
	}
	return descs, nil
}

// Edges returns the total number of dependencies, and the number of nodes
// with none, for cmdtree.RequiredBufferSize.
func (x *File) Edges() (roots, edges int) {
	for i := range x.Nodes {
		if n := len(x.Nodes[i].Depends); n == 0 {
			roots++
		} else {
			edges += n
		}
	}
	return
}

var routines = map[string]cmdtree.Routine{
	KindNoop:  runNoop,
	KindSleep: runSleep,
	KindSpin:  runSpin,
	KindFail:  runFail,
}

func (x *Action) validate() error {
	if _, ok := routines[x.Kind]; !ok {
		return fmt.Errorf(`unknown action kind %q`, x.Kind)
	}
	if x.Duration < 0 {
		return errors.New(`negative duration`)
	}
	if x.Iterations < 0 {
		return errors.New(`negative iterations`)
	}
	if x.Duration != 0 && x.Kind != KindSleep {
		return fmt.Errorf(`duration is not valid for %s`, x.Kind)
	}
	if x.Iterations != 0 && x.Kind != KindSpin {
		return fmt.Errorf(`iterations is not valid for %s`, x.Kind)
	}
	switch x.Kind {
	case KindFail:
		if x.Code == 0 {
			return errors.New(`fail requires a non-zero code`)
		}
	default:
		if x.Code != 0 {
			return fmt.Errorf(`code is not valid for %s`, x.Kind)
		}
	}
	return nil
}

func runNoop(any) int32 { return 0 }

func runSleep(arg any) int32 {
	time.Sleep(arg.(*Action).Duration)
	return 0
}

func runSpin(arg any) int32 {
	var v uint64
	for i := range arg.(*Action).Iterations {
		v = v*31 + uint64(i)
	}
	spinSink.Add(v)
	return 0
}

func runFail(arg any) int32 {
	return arg.(*Action).Code
}
