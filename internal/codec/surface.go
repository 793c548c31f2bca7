package codec

import (
	"fmt"
	"sync"

	"firestige.xyz/dcamera/internal/core"
)

// ConsumerListener is notified when a producer flushes a buffer.
type ConsumerListener interface {
	OnBufferAvailable()
}

// SurfaceBuffer is one slot of a surface buffer queue.
type SurfaceBuffer struct {
	data      []byte
	width     int
	height    int
	stride    int
	format    core.VideoFormat
	timestamp int64
	extra     map[string]any
}

func (b *SurfaceBuffer) Data() []byte             { return b.data }
func (b *SurfaceBuffer) Size() int                { return len(b.data) }
func (b *SurfaceBuffer) Width() int               { return b.width }
func (b *SurfaceBuffer) Height() int              { return b.height }
func (b *SurfaceBuffer) Stride() int              { return b.stride }
func (b *SurfaceBuffer) Format() core.VideoFormat { return b.format }
func (b *SurfaceBuffer) Timestamp() int64         { return b.timestamp }

// SetExtraData attaches a side value that travels with the buffer to the consumer.
func (b *SurfaceBuffer) SetExtraData(key string, v any) {
	if b.extra == nil {
		b.extra = make(map[string]any)
	}
	b.extra[key] = v
}

// ExtraData returns a side value set by the producer.
func (b *SurfaceBuffer) ExtraData(key string) (any, bool) {
	v, ok := b.extra[key]
	return v, ok
}

// RequestConfig describes the buffer a producer wants. Size is the byte length
// of the slot; Stride is bytes per row of the first plane.
type RequestConfig struct {
	Width  int
	Height int
	Stride int
	Format core.VideoFormat
	Size   int
}

// bufferQueue is the state shared by the two ends of a surface.
type bufferQueue struct {
	mu            sync.Mutex
	capacity      int
	allocated     int
	free          []*SurfaceBuffer
	dirty         []*SurfaceBuffer
	listener      ConsumerListener
	defaultWidth  int
	defaultHeight int
}

const defaultSurfaceQueueSize = 3

// ConsumerSurface is the reading end of a surface.
type ConsumerSurface struct {
	q *bufferQueue
}

// ProducerSurface is the writing end of a surface.
type ProducerSurface struct {
	q *bufferQueue
}

// NewConsumerSurface creates a surface holding at most capacity buffers.
func NewConsumerSurface(capacity int) *ConsumerSurface {
	if capacity <= 0 {
		capacity = defaultSurfaceQueueSize
	}
	return &ConsumerSurface{q: &bufferQueue{capacity: capacity}}
}

// Producer returns the writing end bound to this consumer.
func (c *ConsumerSurface) Producer() *ProducerSurface {
	return &ProducerSurface{q: c.q}
}

// SetDefaultWidthAndHeight records the resolution producers should use.
func (c *ConsumerSurface) SetDefaultWidthAndHeight(width, height int) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	c.q.defaultWidth = width
	c.q.defaultHeight = height
}

// RegisterConsumerListener installs l; only one listener is active.
func (c *ConsumerSurface) RegisterConsumerListener(l ConsumerListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil consumer listener", ErrInvalidState)
	}
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	c.q.listener = l
	return nil
}

// UnregisterConsumerListener removes the listener. Flushed buffers keep queueing silently.
func (c *ConsumerSurface) UnregisterConsumerListener() error {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	if c.q.listener == nil {
		return fmt.Errorf("%w: no consumer listener", ErrInvalidState)
	}
	c.q.listener = nil
	return nil
}

// AcquireBuffer takes the oldest flushed buffer.
func (c *ConsumerSurface) AcquireBuffer() (*SurfaceBuffer, int64, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	if len(c.q.dirty) == 0 {
		return nil, 0, ErrNoBuffer
	}
	buf := c.q.dirty[0]
	c.q.dirty[0] = nil
	c.q.dirty = c.q.dirty[1:]
	return buf, buf.timestamp, nil
}

// ReleaseBuffer returns an acquired buffer to the free pool.
func (c *ConsumerSurface) ReleaseBuffer(buf *SurfaceBuffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil surface buffer", ErrInvalidState)
	}
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	buf.extra = nil
	c.q.free = append(c.q.free, buf)
	return nil
}

// QueuedCount returns the number of flushed buffers not yet acquired.
func (c *ConsumerSurface) QueuedCount() int {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	return len(c.q.dirty)
}

// DefaultWidth returns the resolution hint set by the consumer.
func (p *ProducerSurface) DefaultWidth() int {
	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	return p.q.defaultWidth
}

// DefaultHeight returns the resolution hint set by the consumer.
func (p *ProducerSurface) DefaultHeight() int {
	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	return p.q.defaultHeight
}

// RequestBuffer dequeues a free buffer sized per cfg. It never blocks: a queue
// with every buffer in flight returns ErrNoBuffer.
func (p *ProducerSurface) RequestBuffer(cfg RequestConfig) (*SurfaceBuffer, error) {
	if cfg.Size <= 0 || cfg.Size > core.BufferMaxSize {
		return nil, fmt.Errorf("%w: request of %d bytes", ErrBufferTooLarge, cfg.Size)
	}

	q := p.q
	q.mu.Lock()
	defer q.mu.Unlock()

	var buf *SurfaceBuffer
	if n := len(q.free); n > 0 {
		buf = q.free[n-1]
		q.free = q.free[:n-1]
	} else if q.allocated < q.capacity {
		buf = &SurfaceBuffer{}
		q.allocated++
	} else {
		return nil, ErrNoBuffer
	}

	if cap(buf.data) < cfg.Size {
		buf.data = make([]byte, cfg.Size)
	} else {
		buf.data = buf.data[:cfg.Size]
		clear(buf.data)
	}
	buf.width = cfg.Width
	buf.height = cfg.Height
	buf.stride = cfg.Stride
	buf.format = cfg.Format
	buf.timestamp = 0
	buf.extra = nil
	return buf, nil
}

// FlushBuffer queues buf for the consumer and notifies its listener.
func (p *ProducerSurface) FlushBuffer(buf *SurfaceBuffer, timestamp int64) error {
	if buf == nil {
		return fmt.Errorf("%w: nil surface buffer", ErrInvalidState)
	}
	p.q.mu.Lock()
	buf.timestamp = timestamp
	p.q.dirty = append(p.q.dirty, buf)
	listener := p.q.listener
	p.q.mu.Unlock()

	if listener != nil {
		listener.OnBufferAvailable()
	}
	return nil
}

// CancelBuffer returns a requested buffer without queueing it.
func (p *ProducerSurface) CancelBuffer(buf *SurfaceBuffer) error {
	if buf == nil {
		return fmt.Errorf("%w: nil surface buffer", ErrInvalidState)
	}
	p.q.mu.Lock()
	defer p.q.mu.Unlock()
	buf.extra = nil
	p.q.free = append(p.q.free, buf)
	return nil
}
