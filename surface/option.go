package surface

import (
	"context"
	"time"
)

const (
	DefaultRetryInterval = time.Millisecond
	DefaultMaxWait       = 32 * time.Millisecond
)

type Option interface {
	apply(*config)
}

type config struct {
	RetryInterval time.Duration
	MaxWait       time.Duration
	OnDestroy     func(context.Context)
}

func defaultConfig() config {
	return config{
		RetryInterval: DefaultRetryInterval,
		MaxWait:       DefaultMaxWait,
	}
}

type Options []Option

func (s Options) config() config {
	cfg := defaultConfig()
	for _, opt := range s {
		opt.apply(&cfg)
	}
	return cfg
}

// OptionRetryInterval is how long Acquire sleeps between attempts.
type OptionRetryInterval time.Duration

func (opt OptionRetryInterval) apply(cfg *config) {
	if opt > 0 {
		cfg.RetryInterval = time.Duration(opt)
	}
}

// OptionMaxWait is the deadline of Acquire, measured from its start.
type OptionMaxWait time.Duration

func (opt OptionMaxWait) apply(cfg *config) {
	if opt >= 0 {
		cfg.MaxWait = time.Duration(opt)
	}
}

// OptionOnDestroy is called (outside of the pool lock) once the pool
// surfaces are freed.
type OptionOnDestroy func(context.Context)

func (opt OptionOnDestroy) apply(cfg *config) {
	cfg.OnDestroy = opt
}
