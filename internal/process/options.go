package process

import (
	"time"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/eventbus"
)

const (
	DefaultQueueMax            = 1000
	DefaultFirstFrameInputNum  = 2
	DefaultFirstFrameOutputNum = 2
	DefaultRetryBackoff        = 5 * time.Millisecond
	DefaultMetadataTTL         = 2 * time.Second
	DefaultIFrameIntervalMs    = 300
	DefaultNodeBusQueueSize    = 1024
)

// Options configures decode and encode nodes. Zero fields take the defaults above.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// Bus is the pipeline event bus carrying retry events. Nodes fall back to their own bus when nil.
	Bus   *eventbus.EventBus
	Owner *OwnerRef

	DecoderFactory codec.DecoderFactory
	EncoderFactory codec.EncoderFactory

	QueueMax            int
	FirstFrameInputNum  int
	FirstFrameOutputNum int
	RetryBackoff        time.Duration
	MetadataTTL         time.Duration
	NodeBusQueueSize    int

	StrideAlignment  int
	Compression      string
	IFrameIntervalMs int
	BitrateMode      string
}

func (o Options) withDefaults(name string) Options {
	if o.Name == "" {
		o.Name = name
	}
	if o.DecoderFactory == nil {
		o.DecoderFactory = codec.CreateDecoderByMime
	}
	if o.EncoderFactory == nil {
		o.EncoderFactory = codec.CreateEncoderByMime
	}
	if o.QueueMax <= 0 {
		o.QueueMax = DefaultQueueMax
	}
	if o.FirstFrameInputNum <= 0 {
		o.FirstFrameInputNum = DefaultFirstFrameInputNum
	}
	if o.FirstFrameOutputNum <= 0 {
		o.FirstFrameOutputNum = DefaultFirstFrameOutputNum
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MetadataTTL <= 0 {
		o.MetadataTTL = DefaultMetadataTTL
	}
	if o.NodeBusQueueSize <= 0 {
		o.NodeBusQueueSize = DefaultNodeBusQueueSize
	}
	if o.BitrateMode == "" {
		o.BitrateMode = "vbr"
	}
	if o.IFrameIntervalMs <= 0 {
		o.IFrameIntervalMs = DefaultIFrameIntervalMs
	}
	return o
}
