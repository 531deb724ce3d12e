// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command cmdtree executes command trees described by dagfile documents.
//
//	cmdtree run build.yaml
//	cmdtree bench --iterations 1000 build.yaml
//	cmdtree size --threads 8 --roots 4 --edges 64
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
