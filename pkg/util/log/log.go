// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package log is a minimal structured logger. Messages carry the logtags
// annotations of their context, so a line produced deep in the optimizer
// identifies the query signature it belongs to.
package log

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
)

var logger atomic.Pointer[stdlog.Logger]

// verbosity gates Infof output; Warningf and Errorf always log.
var verbosity atomic.Int32

func init() {
	logger.Store(stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds))
}

// SetVerbosity sets the verbosity level. Infof logs only at level >= 1.
func SetVerbosity(v int) {
	verbosity.Store(int32(v))
}

// V reports whether logging is enabled at the given verbosity level.
func V(level int) bool {
	return verbosity.Load() >= int32(level)
}

func output(ctx context.Context, sev string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if tags := logtags.FromContext(ctx); tags != nil {
		msg = "[" + tags.String() + "] " + msg
	}
	logger.Load().Printf("%s %s", sev, msg)
}

// Infof logs an informational message if verbose logging is enabled.
func Infof(ctx context.Context, format string, args ...interface{}) {
	if V(1) {
		output(ctx, "I", format, args...)
	}
}

// Warningf logs a warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, "W", format, args...)
}

// Errorf logs an error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, "E", format, args...)
}
