// closer.go defines the Closer interface.

package types

import (
	"context"
)

// Closer is implemented by everything that owns device-side resources.
// Close must be idempotent.
type Closer interface {
	Close(context.Context) error
}
