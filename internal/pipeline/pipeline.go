// Package pipeline owns node chains: a Source decodes remote streams, a Sink encodes local frames.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/dcamera/internal/core"
	"firestige.xyz/dcamera/internal/eventbus"
	"firestige.xyz/dcamera/internal/metrics"
	"firestige.xyz/dcamera/internal/process"
)

// PipelineType selects the media handled by a pipeline. Only video is implemented.
type PipelineType int

const (
	PipelineVideo PipelineType = iota
	PipelinePhoto
	PipelineAudio
)

func (t PipelineType) String() string {
	switch t {
	case PipelineVideo:
		return "VIDEO"
	case PipelinePhoto:
		return "PHOTO"
	case PipelineAudio:
		return "AUDIO"
	default:
		return fmt.Sprintf("PipelineType(%d)", int(t))
	}
}

// Listener receives the results of a pipeline. Calls arrive on codec worker goroutines.
type Listener interface {
	OnProcessedVideoBuffer(buf *core.DataBuffer)
	OnError(kind core.DataProcessErrorType, message string)
}

// Config contains pipeline configuration.
type Config struct {
	Name string
	// Node is the template for every node; Name, Bus and Owner are filled per pipeline.
	Node          process.Options
	BusPartitions int
	BusQueueSize  int
}

type nodeFactory func(opts process.Options) process.DataProcess

// pipeline is the state shared by Source and Sink.
type pipeline struct {
	name    string
	role    string
	cfg     Config
	newNode nodeFactory
	metrics *Metrics

	mu       sync.Mutex
	listener Listener
	bus      *eventbus.EventBus
	owner    *process.OwnerRef
	head     process.DataProcess
	status   int
}

func (p *pipeline) init(cfg Config, role string, newNode nodeFactory) {
	p.name = cfg.Name
	if p.name == "" {
		p.name = role
	}
	p.role = role
	p.cfg = cfg
	p.newNode = newNode
	p.metrics = NewMetrics(p.name)
	p.status = metrics.PipelineStatusDestroyed
}

// CreateDataProcessPipeline builds and initializes the node chain converting
// source into target. A pipeline is created once until destroyed.
func (p *pipeline) CreateDataProcessPipeline(ptype PipelineType, source, target core.VideoConfigParams, listener Listener) error {
	if ptype != PipelineVideo {
		return fmt.Errorf("%w: %s pipeline not supported", core.ErrBadType, ptype)
	}
	if listener == nil {
		return fmt.Errorf("%w: nil pipeline listener", core.ErrBadValue)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head != nil {
		return fmt.Errorf("%w: pipeline %s already created", core.ErrBadOperate, p.name)
	}

	var busOpts []eventbus.Option
	if p.cfg.BusPartitions > 0 {
		busOpts = append(busOpts, eventbus.WithPartitions(p.cfg.BusPartitions))
	}
	if p.cfg.BusQueueSize > 0 {
		busOpts = append(busOpts, eventbus.WithQueueSize(p.cfg.BusQueueSize))
	}
	bus := eventbus.New(p.name, busOpts...)
	owner := process.NewOwnerRef(p)

	opts := p.cfg.Node
	opts.Name = p.name + "-" + p.role
	opts.Bus = bus
	opts.Owner = owner
	node := p.newNode(opts)
	processed, err := node.InitNode(source, target)
	if err != nil {
		owner.Clear()
		node.ReleaseProcessNode()
		_ = bus.Close()
		slog.Error("create pipeline failed", "pipeline", p.name, "source", source, "target", target, "error", err)
		return err
	}

	p.listener = listener
	p.bus = bus
	p.owner = owner
	p.head = node
	p.setStatus(metrics.PipelineStatusRunning)
	slog.Info("pipeline created", "pipeline", p.name, "role", p.role, "source", source, "processed", processed)
	return nil
}

// ProcessData submits buffers to the head of the chain.
func (p *pipeline) ProcessData(buffers []*core.DataBuffer) error {
	p.mu.Lock()
	head := p.head
	p.mu.Unlock()
	if head == nil {
		return fmt.Errorf("%w: pipeline %s not created", core.ErrDisableProcess, p.name)
	}

	p.metrics.Received.Add(uint64(len(buffers)))
	if err := head.ProcessData(buffers); err != nil {
		p.metrics.Rejected.Add(1)
		return err
	}
	return nil
}

// DestroyDataProcessPipeline releases the chain. Outputs still in flight are dropped.
func (p *pipeline) DestroyDataProcessPipeline() {
	p.mu.Lock()
	head, bus, owner := p.head, p.bus, p.owner
	p.head, p.bus, p.owner, p.listener = nil, nil, nil, nil
	p.setStatus(metrics.PipelineStatusDestroyed)
	p.mu.Unlock()
	if head == nil {
		return
	}

	owner.Clear()
	head.ReleaseProcessNode()
	if err := bus.Close(); err != nil {
		slog.Warn("close pipeline bus failed", "pipeline", p.name, "error", err)
	}
	slog.Info("pipeline destroyed", "pipeline", p.name, "stats", p.Stats())
}

func (p *pipeline) OnProcessedVideoBuffer(buf *core.DataBuffer) {
	listener := p.currentListener()
	if listener == nil {
		p.metrics.Dropped.Add(1)
		return
	}
	p.metrics.Delivered.Add(1)
	listener.OnProcessedVideoBuffer(buf)
}

func (p *pipeline) OnError(kind core.DataProcessErrorType) {
	p.metrics.Errors.Add(1)
	p.mu.Lock()
	listener := p.listener
	if p.head != nil {
		p.setStatus(metrics.PipelineStatusError)
	}
	p.mu.Unlock()

	slog.Error("pipeline error", "pipeline", p.name, "kind", kind)
	if listener != nil {
		listener.OnError(kind, fmt.Sprintf("%s pipeline %s failed", p.role, p.name))
	}
}

func (p *pipeline) currentListener() Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

// setStatus must be called with mu held.
func (p *pipeline) setStatus(status int) {
	p.status = status
	metrics.PipelineStatus.WithLabelValues(p.name).Set(float64(status))
}

// Status returns one of the metrics.PipelineStatus* values.
func (p *pipeline) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stats returns pipeline statistics.
func (p *pipeline) Stats() Stats {
	return Stats{
		Received:  p.metrics.Received.Load(),
		Rejected:  p.metrics.Rejected.Load(),
		Delivered: p.metrics.Delivered.Load(),
		Dropped:   p.metrics.Dropped.Load(),
		Errors:    p.metrics.Errors.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received  uint64
	Rejected  uint64
	Delivered uint64
	Dropped   uint64
	Errors    uint64
}

// Source decodes streams arriving from a remote camera into raw frames.
type Source struct {
	pipeline
}

// NewSource creates a decode pipeline owner.
func NewSource(cfg Config) *Source {
	s := &Source{}
	s.init(cfg, "decode", func(opts process.Options) process.DataProcess {
		return process.NewDecodeDataProcess(opts)
	})
	return s
}

// Sink encodes local raw frames for transmission.
type Sink struct {
	pipeline
}

// NewSink creates an encode pipeline owner.
func NewSink(cfg Config) *Sink {
	s := &Sink{}
	s.init(cfg, "encode", func(opts process.Options) process.DataProcess {
		return process.NewEncodeDataProcess(opts)
	})
	return s
}
