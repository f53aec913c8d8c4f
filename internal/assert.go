// assert.go provides invariant checks that abort loudly instead of corrupting state.

// Package internal contains helpers shared by hwcodec packages only.
package internal

import (
	"context"

	"github.com/xaionaro-go/hwcodec/logger"
)

// Assert panics (through the logger, so the message is flushed first) if
// mustBeTrue is false.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	format string,
	args ...any,
) {
	if mustBeTrue {
		return
	}
	logger.Flush(ctx)
	logger.Panicf(ctx, "assertion failed: "+format, args...)
}
