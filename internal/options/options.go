// Package options defines the immutable configuration record every
// component constructor takes, per spec.md §9's "Global mutable config ->
// single immutable record, passed explicitly" design note.
package options

import (
	"regexp"
	"time"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

// Options is built once at process start and never mutated afterward.
type Options struct {
	Address   string
	Namespace string
	Token     string
	Region    string

	All              bool
	Streams          output.Streams
	Attach           bool
	Purge            bool
	PurgeSuccessful  bool
	Lines            int
	LinesTimeout     time.Duration
	ShutdownTimeout  time.Duration
	NoFollow         bool
	NoPreserveStatus bool
	Polling          bool
	Task             *regexp.Regexp

	Color       bool
	FullAllocID bool
	Timestamps  bool
	NoTaskGroup bool
	NoTask      bool
}

// Follow returns the --follow shorthand's equivalent Options: --all with
// --lines=10 (spec.md §6.3).
func Follow(o Options) Options {
	o.All = true
	o.Lines = 10
	return o
}

// FormatterOptions projects the output-shaping fields into
// output.Options.
func (o Options) FormatterOptions() output.Options {
	return output.Options{
		Streams:     o.Streams,
		Color:       o.Color,
		FullAllocID: o.FullAllocID,
		Timestamps:  o.Timestamps,
		NoTaskGroup: o.NoTaskGroup,
		NoTask:      o.NoTask,
	}
}
