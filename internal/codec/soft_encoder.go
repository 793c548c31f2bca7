package codec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dcamera/internal/core"
)

// ExtraKeyTimeStamp is the surface buffer extra data key carrying the frame
// timestamp in microseconds.
const ExtraKeyTimeStamp = "timeStamp"

type encoderSettings struct {
	Mime           string `mapstructure:"codec_mime"`
	PixelFormat    int    `mapstructure:"pixel_format"`
	Width          int    `mapstructure:"width"`
	Height         int    `mapstructure:"height"`
	FrameRate      int    `mapstructure:"frame_rate"`
	Bitrate        int64  `mapstructure:"bitrate"`
	IFrameInterval int    `mapstructure:"i_frame_interval"`
	BitrateMode    int    `mapstructure:"video_encode_bitrate_mode"`
	Compression    string `mapstructure:"compression"`
}

// SoftEncoder packs frames flushed to its input surface into the software bitstream.
type SoftEncoder struct {
	softCore
	codec core.VideoCodecType

	settings    encoderSettings
	compression compress.Compression
	input       *ConsumerSurface

	slotMu  sync.Mutex
	outputs []outputSlot
	outFree chan uint32
	notify  chan struct{}
}

// NewSoftEncoderFactory returns an EncoderFactory producing software encoders.
func NewSoftEncoderFactory(opts SoftOptions) EncoderFactory {
	opts = opts.withDefaults()
	return func(mime string) (VideoEncoder, error) {
		codec, err := codecForMime(mime)
		if err != nil {
			return nil, err
		}
		return &SoftEncoder{
			softCore: softCore{name: "soft-encoder", mime: mime, opts: opts},
			codec:    codec,
		}, nil
	}
}

func (e *SoftEncoder) SetCallback(cb Callback) error { return e.setCallback(cb) }

func (e *SoftEncoder) Configure(format *Format) error {
	if format == nil {
		return fmt.Errorf("%w: nil format", ErrInvalidState)
	}
	var s encoderSettings
	if err := format.Decode(&s); err != nil {
		return err
	}
	if s.Mime != "" && s.Mime != e.mime {
		return fmt.Errorf("%w: configured %q on %q encoder", ErrUnsupportedMime, s.Mime, e.mime)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidState, s.Width, s.Height)
	}
	compression := e.opts.Compression
	if s.Compression != "" {
		c, err := ParseCompression(s.Compression)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedMime, err)
		}
		compression = c
	}
	if err := e.transition(stateConfigured, stateUninitialized, stateConfigured); err != nil {
		return err
	}
	e.settings = s
	e.compression = compression
	slog.Debug("soft encoder configured", "mime", e.mime, "width", s.Width, "height", s.Height,
		"bitrate", s.Bitrate, "i_frame_interval", s.IFrameInterval, "compression", compression.String())
	return nil
}

// CreateInputSurface returns the producer end frames are written to.
func (e *SoftEncoder) CreateInputSurface() (*ProducerSurface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConfigured && e.state != statePrepared {
		return nil, fmt.Errorf("%w: create input surface in %s", ErrInvalidState, e.state)
	}
	if e.input == nil {
		e.input = NewConsumerSurface(e.opts.InputSlots)
		e.input.SetDefaultWidthAndHeight(e.settings.Width, e.settings.Height)
		if err := e.input.RegisterConsumerListener(encoderInputListener{e}); err != nil {
			return nil, err
		}
	}
	return e.input.Producer(), nil
}

func (e *SoftEncoder) Prepare() error {
	e.mu.Lock()
	hasInput := e.input != nil
	e.mu.Unlock()
	if !hasInput {
		return fmt.Errorf("%w: prepare without input surface", ErrInvalidState)
	}
	return e.transition(statePrepared, stateConfigured)
}

func (e *SoftEncoder) Start() error {
	ctx, err := e.begin()
	if err != nil {
		return err
	}
	outFree := make(chan uint32, e.opts.OutputSlots)
	for i := 0; i < e.opts.OutputSlots; i++ {
		outFree <- uint32(i)
	}
	notify := make(chan struct{}, 1)
	notify <- struct{}{}

	e.slotMu.Lock()
	e.outputs = make([]outputSlot, e.opts.OutputSlots)
	e.outFree = outFree
	e.notify = notify
	e.slotMu.Unlock()

	go e.run(ctx, notify, outFree)
	return nil
}

// Flush drops frames waiting on the input surface.
func (e *SoftEncoder) Flush() error {
	if _, err := e.flushGen(); err != nil {
		return err
	}
	for {
		buf, _, err := e.input.AcquireBuffer()
		if err != nil {
			return nil
		}
		e.input.ReleaseBuffer(buf)
	}
}

// Stop halts the worker without waiting for it.
func (e *SoftEncoder) Stop() error { return e.halt(stateStopped) }

func (e *SoftEncoder) Release() error {
	if err := e.halt(stateReleased); err != nil {
		return err
	}
	e.mu.Lock()
	input := e.input
	e.input = nil
	e.mu.Unlock()
	if input != nil {
		input.UnregisterConsumerListener()
	}
	e.slotMu.Lock()
	e.outputs = nil
	e.slotMu.Unlock()
	return nil
}

func (e *SoftEncoder) GetOutputBuffer(index uint32) ([]byte, error) {
	if !e.running() {
		return nil, fmt.Errorf("%w: output buffer while not running", ErrInvalidState)
	}
	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	if int(index) >= len(e.outputs) || !e.outputs[index].owned {
		return nil, fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	return e.outputs[index].data, nil
}

func (e *SoftEncoder) ReleaseOutputBuffer(index uint32) error {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	if int(index) >= len(e.outputs) || !e.outputs[index].owned {
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	e.outputs[index] = outputSlot{}
	select {
	case e.outFree <- index:
	default:
	}
	return nil
}

type encoderInputListener struct {
	e *SoftEncoder
}

func (l encoderInputListener) OnBufferAvailable() {
	l.e.slotMu.Lock()
	notify := l.e.notify
	l.e.slotMu.Unlock()
	if notify == nil {
		return
	}
	select {
	case notify <- struct{}{}:
	default:
	}
}

// encodeStream is the per-worker rate control state.
type encodeStream struct {
	configSent bool
	keySent    bool
	lastKeyUs  int64
}

func (e *SoftEncoder) run(ctx context.Context, notify <-chan struct{}, outFree <-chan uint32) {
	cb := e.callback()
	var st encodeStream
	gen := e.generation()

	e.mu.Lock()
	input := e.input
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		}
		for ctx.Err() == nil {
			if g := e.generation(); g != gen {
				gen = g
				st.keySent = false
			}
			buf, ts, err := input.AcquireBuffer()
			if err != nil {
				break
			}
			e.encode(ctx, cb, &st, buf, ts, outFree)
			input.ReleaseBuffer(buf)
		}
	}
}

func (e *SoftEncoder) encode(ctx context.Context, cb Callback, st *encodeStream, buf *SurfaceBuffer, ts int64, outFree <-chan uint32) {
	if v, ok := buf.ExtraData(ExtraKeyTimeStamp); ok {
		if us, ok := v.(int64); ok {
			ts = us
		}
	}
	w, h, format := buf.Width(), buf.Height(), buf.Format()
	need := format.FrameSize(w, h)
	if w <= 0 || h <= 0 || buf.Size() < need {
		slog.Warn("soft encoder rejected input frame", "width", w, "height", h, "size", buf.Size(), "need", need)
		cb.OnError(ErrorInternal, -1)
		return
	}

	hdr := streamHeader{
		codec:       e.codec,
		format:      format,
		compression: e.compression,
		width:       w,
		height:      h,
	}
	if !st.configSent {
		hdr.kind = unitConfig
		unit, err := encodeUnit(hdr, nil)
		if err != nil {
			cb.OnError(ErrorInternal, -1)
			return
		}
		if !e.emit(ctx, cb, unit, ts, FlagCodecData, outFree) {
			return
		}
		st.configSent = true
	}

	interval := int64(e.settings.IFrameInterval) * 1000
	key := !st.keySent || interval <= 0 || ts-st.lastKeyUs >= interval
	hdr.kind = unitFrame
	hdr.key = key
	unit, err := encodeUnit(hdr, buf.Data()[:need])
	if err != nil {
		slog.Error("soft encoder compress failed", "error", err)
		cb.OnError(ErrorInternal, -1)
		return
	}
	flag := FlagNone
	if key {
		flag = FlagSyncFrame
	}
	if !e.emit(ctx, cb, unit, ts, flag, outFree) {
		return
	}
	if key {
		st.keySent = true
		st.lastKeyUs = ts
	}
}

// emit hands one unit to the client; false when the codec stopped while waiting for a slot.
func (e *SoftEncoder) emit(ctx context.Context, cb Callback, unit []byte, pts int64, flag BufferFlag, outFree <-chan uint32) bool {
	var index uint32
	select {
	case index = <-outFree:
	case <-ctx.Done():
		return false
	}
	e.slotMu.Lock()
	if int(index) >= len(e.outputs) {
		e.slotMu.Unlock()
		return false
	}
	e.outputs[index] = outputSlot{data: unit, pts: pts, owned: true}
	e.slotMu.Unlock()

	cb.OnOutputBufferAvailable(index, BufferInfo{PresentationTimeUs: pts, Size: int32(len(unit))}, flag)
	return true
}
