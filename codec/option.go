// option.go defines the construction options of codecs.

package codec

import (
	"github.com/xaionaro-go/hwcodec/session"
	"github.com/xaionaro-go/hwcodec/types"
)

type Option interface {
	apply(*config)
}

type Options []Option

func (s Options) config() config {
	cfg := config{}
	for _, opt := range s {
		opt.apply(&cfg)
	}
	return cfg
}

type config struct {
	Context    *session.Context
	Registry   *session.Registry
	OutputSize types.Resolution
}

// OptionContext makes the codec use the given device context (it is
// retained by the codec) instead of acquiring one.
type OptionContext struct {
	Context *session.Context
}

func (opt OptionContext) apply(cfg *config) {
	cfg.Context = opt.Context
}

// OptionRegistry makes the codec reuse a context published by a
// neighbouring stage, and publish its own one otherwise.
type OptionRegistry struct {
	Registry *session.Registry
}

func (opt OptionRegistry) apply(cfg *config) {
	cfg.Registry = opt.Registry
}

// OptionOutputSize makes an encoder scale the raw frames to the given
// resolution (through the pre-processing stage).
type OptionOutputSize types.Resolution

func (opt OptionOutputSize) apply(cfg *config) {
	cfg.OutputSize = types.Resolution(opt)
}
