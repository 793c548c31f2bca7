package codec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dcamera/internal/core"
)

// SoftOptions tunes the software codecs.
type SoftOptions struct {
	InputSlots      int
	OutputSlots     int
	StrideAlignment int
	Compression     compress.Compression
}

// DefaultSoftOptions returns the options used by the registered software codecs.
func DefaultSoftOptions() SoftOptions {
	return SoftOptions{
		InputSlots:      4,
		OutputSlots:     4,
		StrideAlignment: 64,
		Compression:     compress.None,
	}
}

func (o SoftOptions) withDefaults() SoftOptions {
	def := DefaultSoftOptions()
	if o.InputSlots <= 0 {
		o.InputSlots = def.InputSlots
	}
	if o.OutputSlots <= 0 {
		o.OutputSlots = def.OutputSlots
	}
	if o.StrideAlignment <= 0 {
		o.StrideAlignment = def.StrideAlignment
	}
	return o
}

// SoftMimeTypes lists the MIME types the software codecs accept.
func SoftMimeTypes() []string {
	return []string{
		core.CodecH264.MimeType(),
		core.CodecH265.MimeType(),
		core.CodecMPEG4.MimeType(),
	}
}

func codecForMime(mime string) (core.VideoCodecType, error) {
	for _, c := range []core.VideoCodecType{core.CodecH264, core.CodecH265, core.CodecMPEG4} {
		if c.MimeType() == mime {
			return c, nil
		}
	}
	return core.CodecNone, fmt.Errorf("%w: %q", ErrUnsupportedMime, mime)
}

type codecState int

const (
	stateUninitialized codecState = iota
	stateConfigured
	statePrepared
	stateRunning
	stateStopped
	stateReleased
)

func (s codecState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateConfigured:
		return "configured"
	case statePrepared:
		return "prepared"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// softCore holds the lifecycle shared by both software codecs. Callbacks run on
// the worker goroutine started by start; stop never waits for it so it can be
// called from inside a callback.
type softCore struct {
	name string
	mime string
	opts SoftOptions

	mu     sync.Mutex
	state  codecState
	cb     Callback
	cancel context.CancelFunc
	gen    uint64
}

func (c *softCore) setCallback(cb Callback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased || c.state == stateRunning {
		return fmt.Errorf("%w: set callback in %s", ErrInvalidState, c.state)
	}
	c.cb = cb
	return nil
}

func (c *softCore) callback() Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// transition moves from one of the allowed states to next.
func (c *softCore) transition(next codecState, allowed ...codecState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allowed {
		if c.state == s {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidState, c.name, c.state, next)
}

func (c *softCore) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRunning
}

// begin marks the codec running and returns the worker context.
func (c *softCore) begin() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePrepared && c.state != stateStopped {
		return nil, fmt.Errorf("%w: start in %s", ErrInvalidState, c.state)
	}
	if c.cb == nil {
		return nil, fmt.Errorf("%w: start without callback", ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = stateRunning
	c.gen++
	return ctx, nil
}

func (c *softCore) halt(next codecState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateReleased:
		if next == stateReleased {
			return nil
		}
		return fmt.Errorf("%w: %s released", ErrInvalidState, c.name)
	case stateRunning:
		c.cancel()
		c.cancel = nil
	case stateUninitialized, stateConfigured, statePrepared:
		if next == stateStopped {
			return fmt.Errorf("%w: stop in %s", ErrInvalidState, c.state)
		}
	}
	c.state = next
	slog.Debug("soft codec halted", "codec", c.name, "mime", c.mime, "state", next)
	return nil
}

// flushGen invalidates work queued before the call.
func (c *softCore) flushGen() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return 0, fmt.Errorf("%w: flush in %s", ErrInvalidState, c.state)
	}
	c.gen++
	return c.gen, nil
}

func (c *softCore) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// alignUp rounds v up to a multiple of align.
func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
