// Package prober answers a single question about a host: is it reachable right now?
//
// Backends differ in how they ask (the system ping command, raw ICMP), but all of
// them collapse every failure mode into "not reachable" and never retry.
package prober

import (
	"context"
	"time"
)

const DefaultTimeout = 1 * time.Second

type Prober interface {
	Probe(ctx context.Context, address string) bool
}

// Func adapts an ordinary function to the Prober interface.
type Func func(ctx context.Context, address string) bool

func (f Func) Probe(ctx context.Context, address string) bool {
	return f(ctx, address)
}
