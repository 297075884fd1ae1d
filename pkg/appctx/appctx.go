// Package appctx provides a context that closes on termination signals.
//
// Batch schedulers deliver SIGTERM ahead of the hard kill when a node is
// preempted or a time limit expires; components use this context to
// checkpoint and exit cleanly inside that grace period.
package appctx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var once sync.Once
var ctx context.Context

// Context returns the application context that closes on SIGINT or
// SIGTERM. It is safe to call multiple times, it returns the same object.
func Context() context.Context {
	once.Do(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		go func() {
			defer cancel()
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			<-c
		}()
	})
	return ctx
}
