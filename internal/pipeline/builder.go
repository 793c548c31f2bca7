package pipeline

import (
	"firestige.xyz/dcamera/internal/process"
)

// Builder provides a fluent interface for building pipeline owners.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithName sets the pipeline name used in logs and metrics.
func (b *Builder) WithName(name string) *Builder {
	b.config.Name = name
	return b
}

// WithNodeOptions sets the template applied to every node of the chain.
func (b *Builder) WithNodeOptions(opts process.Options) *Builder {
	b.config.Node = opts
	return b
}

// WithEventBus sets the partition count and per-partition queue size of the pipeline bus.
func (b *Builder) WithEventBus(partitions, queueSize int) *Builder {
	b.config.BusPartitions = partitions
	b.config.BusQueueSize = queueSize
	return b
}

// BuildSource creates a decode pipeline owner.
func (b *Builder) BuildSource() *Source {
	return NewSource(b.config)
}

// BuildSink creates an encode pipeline owner.
func (b *Builder) BuildSink() *Sink {
	return NewSink(b.config)
}
