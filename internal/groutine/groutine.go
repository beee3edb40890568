// Package groutine starts named goroutines. A name shows up as a pprof label in goroutine
// dumps and travels in the goroutine's context.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

const labelKey = "goroutine_name"

type nameKey struct{}

// Go starts fn on a goroutine labelled name. A nil parent means context.Background().
//
//	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
//	    // work
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(labelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey{}, name))
	})
}

// GetName returns the name Go gave the goroutine owning ctx, or "" outside one.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}

// GetGID parses the current goroutine ID out of the "goroutine N [state]:" stack header.
// Only meant for identity checks such as detecting re-entrant calls.
func GetGID() uint64 {
	var buf [64]byte
	fields := bytes.Fields(buf[:runtime.Stack(buf[:], false)])
	if len(fields) < 2 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return gid
}
