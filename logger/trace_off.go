//go:build !debug_trace

package logger

import (
	"context"
)

// Tracef is a no-op unless built with the debug_trace tag.
func Tracef(ctx context.Context, format string, args ...any) {}
