package tool

import (
	"slices"
	"time"
)

type options struct {
	timeout time.Duration
	tags    []string
}

// Option configures a tool built with [New].
type Option func(*options)

// WithTimeout sets the tool's handler budget, overriding the dispatcher
// default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithTags attaches discovery tags to the tool.
func WithTags(tags ...string) Option {
	return func(o *options) {
		o.tags = slices.Clone(tags)
	}
}
