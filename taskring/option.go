package taskring

import (
	"time"
)

const DefaultWaitTimeout = 500 * time.Millisecond

type Option interface {
	apply(*config)
}

type config struct {
	WaitTimeout time.Duration
	Kind        string
}

type Options []Option

func (s Options) config() config {
	cfg := config{
		WaitTimeout: DefaultWaitTimeout,
		Kind:        "unknown",
	}
	for _, opt := range s {
		opt.apply(&cfg)
	}
	return cfg
}

// OptionWaitTimeout is how long Finish waits for one operation.
type OptionWaitTimeout time.Duration

func (opt OptionWaitTimeout) apply(cfg *config) {
	if opt > 0 {
		cfg.WaitTimeout = time.Duration(opt)
	}
}

// OptionKind is the value of the "kind" label of the ring metrics.
type OptionKind string

func (opt OptionKind) apply(cfg *config) {
	cfg.Kind = string(opt)
}
