package codec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/dcamera/internal/core"
)

type decoderSettings struct {
	Mime            string `mapstructure:"codec_mime"`
	PixelFormat     int    `mapstructure:"pixel_format"`
	MaxInputSize    int    `mapstructure:"max_input_size"`
	Width           int    `mapstructure:"width"`
	Height          int    `mapstructure:"height"`
	FrameRate       int    `mapstructure:"frame_rate"`
	StrideAlignment int    `mapstructure:"stride_alignment"`
}

type inputSlot struct {
	data  []byte
	owned bool // held by the client between OnInputBufferAvailable and QueueInputBuffer
}

type outputSlot struct {
	data  []byte
	pts   int64
	owned bool
	cfg   RequestConfig
}

type decodeJob struct {
	index uint32
	data  []byte
	info  BufferInfo
	flag  BufferFlag
	gen   uint64
}

// SoftDecoder decodes the software bitstream into NV12 or RGBA frames.
type SoftDecoder struct {
	softCore
	codec core.VideoCodecType

	settings decoderSettings
	surface  *ProducerSurface

	slotMu  sync.Mutex
	inputs  []inputSlot
	outputs []outputSlot
	jobs    chan decodeJob
	outFree chan uint32
}

// NewSoftDecoderFactory returns a DecoderFactory producing software decoders.
func NewSoftDecoderFactory(opts SoftOptions) DecoderFactory {
	opts = opts.withDefaults()
	return func(mime string) (VideoDecoder, error) {
		codec, err := codecForMime(mime)
		if err != nil {
			return nil, err
		}
		return &SoftDecoder{
			softCore: softCore{name: "soft-decoder", mime: mime, opts: opts},
			codec:    codec,
		}, nil
	}
}

func (d *SoftDecoder) SetCallback(cb Callback) error { return d.setCallback(cb) }

func (d *SoftDecoder) Configure(format *Format) error {
	if format == nil {
		return fmt.Errorf("%w: nil format", ErrInvalidState)
	}
	var s decoderSettings
	if err := format.Decode(&s); err != nil {
		return err
	}
	if s.Mime != "" && s.Mime != d.mime {
		return fmt.Errorf("%w: configured %q on %q decoder", ErrUnsupportedMime, s.Mime, d.mime)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidState, s.Width, s.Height)
	}
	switch core.VideoFormat(s.PixelFormat) {
	case core.FormatNV12, core.FormatNV21, core.FormatRGBA8888:
	default:
		return fmt.Errorf("%w: pixel format %s", ErrUnsupportedMime, core.VideoFormat(s.PixelFormat))
	}
	if s.MaxInputSize <= 0 {
		s.MaxInputSize = core.MaxYUV420BufferSize
	}
	if s.MaxInputSize > core.BufferMaxSize {
		return fmt.Errorf("%w: max input size %d", ErrBufferTooLarge, s.MaxInputSize)
	}
	if s.StrideAlignment <= 0 {
		s.StrideAlignment = d.opts.StrideAlignment
	}
	if err := d.transition(stateConfigured, stateUninitialized, stateConfigured); err != nil {
		return err
	}
	d.settings = s
	slog.Debug("soft decoder configured", "mime", d.mime, "width", s.Width, "height", s.Height,
		"pixel_format", core.VideoFormat(s.PixelFormat))
	return nil
}

func (d *SoftDecoder) SetOutputSurface(surface *ProducerSurface) error {
	if surface == nil {
		return fmt.Errorf("%w: nil output surface", ErrInvalidState)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateReleased || d.state == stateUninitialized {
		return fmt.Errorf("%w: set output surface in %s", ErrInvalidState, d.state)
	}
	d.surface = surface
	return nil
}

func (d *SoftDecoder) Prepare() error {
	d.mu.Lock()
	hasSurface := d.surface != nil
	d.mu.Unlock()
	if !hasSurface {
		return fmt.Errorf("%w: prepare without output surface", ErrInvalidState)
	}
	return d.transition(statePrepared, stateConfigured)
}

func (d *SoftDecoder) Start() error {
	ctx, err := d.begin()
	if err != nil {
		return err
	}

	jobs := make(chan decodeJob, d.opts.InputSlots)
	outFree := make(chan uint32, d.opts.OutputSlots)
	for i := 0; i < d.opts.OutputSlots; i++ {
		outFree <- uint32(i)
	}
	d.slotMu.Lock()
	if d.inputs == nil {
		d.inputs = make([]inputSlot, d.opts.InputSlots)
	}
	for i := range d.inputs {
		d.inputs[i].owned = false
	}
	d.outputs = make([]outputSlot, d.opts.OutputSlots)
	d.jobs = jobs
	d.outFree = outFree
	d.slotMu.Unlock()

	go d.run(ctx, jobs, outFree)
	return nil
}

func (d *SoftDecoder) Flush() error {
	_, err := d.flushGen()
	return err
}

// Stop halts the worker without waiting for it.
func (d *SoftDecoder) Stop() error { return d.halt(stateStopped) }

func (d *SoftDecoder) Release() error {
	if err := d.halt(stateReleased); err != nil {
		return err
	}
	d.slotMu.Lock()
	d.inputs = nil
	d.outputs = nil
	d.slotMu.Unlock()
	return nil
}

func (d *SoftDecoder) GetInputBuffer(index uint32) ([]byte, error) {
	if !d.running() {
		return nil, fmt.Errorf("%w: input buffer while not running", ErrInvalidState)
	}
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	if int(index) >= len(d.inputs) || !d.inputs[index].owned {
		return nil, fmt.Errorf("%w: input %d", ErrInvalidIndex, index)
	}
	slot := &d.inputs[index]
	if slot.data == nil {
		slot.data = make([]byte, d.settings.MaxInputSize)
	}
	return slot.data, nil
}

func (d *SoftDecoder) QueueInputBuffer(index uint32, info BufferInfo, flag BufferFlag) error {
	if !d.running() {
		return fmt.Errorf("%w: queue input while not running", ErrInvalidState)
	}
	gen := d.generation()

	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	if int(index) >= len(d.inputs) || !d.inputs[index].owned {
		return fmt.Errorf("%w: input %d", ErrInvalidIndex, index)
	}
	slot := &d.inputs[index]
	end := int(info.Offset) + int(info.Size)
	if info.Offset < 0 || info.Size < 0 || end > len(slot.data) {
		return fmt.Errorf("%w: input range [%d,%d) of %d", ErrInvalidIndex, info.Offset, end, len(slot.data))
	}
	job := decodeJob{index: index, data: slot.data[info.Offset:end], info: info, flag: flag, gen: gen}
	select {
	case d.jobs <- job:
		slot.owned = false
		return nil
	default:
		return fmt.Errorf("%w: decode queue full", ErrNoBuffer)
	}
}

func (d *SoftDecoder) ReleaseOutputBuffer(index uint32, render bool) error {
	if !d.running() {
		return fmt.Errorf("%w: release output while not running", ErrInvalidState)
	}
	d.slotMu.Lock()
	if int(index) >= len(d.outputs) || !d.outputs[index].owned {
		d.slotMu.Unlock()
		return fmt.Errorf("%w: output %d", ErrInvalidIndex, index)
	}
	slot := d.outputs[index]
	d.outputs[index] = outputSlot{}
	outFree := d.outFree
	d.slotMu.Unlock()

	defer func() {
		select {
		case outFree <- index:
		default:
		}
	}()
	if !render {
		return nil
	}

	d.mu.Lock()
	surface := d.surface
	d.mu.Unlock()
	buf, err := surface.RequestBuffer(slot.cfg)
	if err != nil {
		return fmt.Errorf("request output surface buffer: %w", err)
	}
	copy(buf.Data(), slot.data)
	return surface.FlushBuffer(buf, slot.pts)
}

func (d *SoftDecoder) run(ctx context.Context, jobs <-chan decodeJob, outFree chan uint32) {
	cb := d.callback()
	// codec config of the current stream, owned by this worker
	var stream *streamHeader

	d.slotMu.Lock()
	n := len(d.inputs)
	d.slotMu.Unlock()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		d.returnInput(uint32(i))
		cb.OnInputBufferAvailable(uint32(i))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			stream = d.decode(ctx, cb, job, outFree, stream)
			if ctx.Err() != nil {
				return
			}
			d.returnInput(job.index)
			cb.OnInputBufferAvailable(job.index)
		}
	}
}

func (d *SoftDecoder) returnInput(index uint32) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	if int(index) < len(d.inputs) {
		d.inputs[index].owned = true
	}
}

// decode handles one access unit and returns the stream config in effect afterwards.
func (d *SoftDecoder) decode(ctx context.Context, cb Callback, job decodeJob, outFree <-chan uint32, stream *streamHeader) *streamHeader {
	if job.gen != d.generation() || len(job.data) == 0 {
		return stream
	}
	hdr, raw, err := decodeUnit(job.data)
	if err != nil {
		slog.Warn("soft decoder dropped unit", "mime", d.mime, "error", err)
		cb.OnError(ErrorBitstream, -1)
		return stream
	}
	if hdr.codec != d.codec {
		slog.Error("soft decoder codec mismatch", "mime", d.mime, "stream_codec", hdr.codec)
		cb.OnError(ErrorUnsupported, -1)
		return stream
	}

	if hdr.kind == unitConfig {
		cb.OnOutputFormatChanged(d.outputFormat(hdr))
		return &hdr
	}
	if stream == nil {
		slog.Warn("soft decoder dropped frame before codec config", "mime", d.mime, "pts", job.info.PresentationTimeUs)
		return stream
	}

	want := core.VideoFormat(d.settings.PixelFormat)
	if !compatibleFormats(hdr.format, want) {
		slog.Error("soft decoder pixel format mismatch", "stream", hdr.format, "configured", want)
		cb.OnError(ErrorUnsupported, -1)
		return stream
	}
	if len(raw) != hdr.format.FrameSize(hdr.width, hdr.height) {
		slog.Warn("soft decoder frame size mismatch", "size", len(raw), "width", hdr.width, "height", hdr.height)
		cb.OnError(ErrorBitstream, -1)
		return stream
	}

	cfg, frame := d.layout(hdr, raw)

	var index uint32
	select {
	case index = <-outFree:
	case <-ctx.Done():
		return stream
	}
	d.slotMu.Lock()
	if int(index) >= len(d.outputs) {
		d.slotMu.Unlock()
		return stream
	}
	d.outputs[index] = outputSlot{data: frame, pts: job.info.PresentationTimeUs, owned: true, cfg: cfg}
	d.slotMu.Unlock()

	flag := FlagNone
	if hdr.key {
		flag = FlagSyncFrame
	}
	cb.OnOutputBufferAvailable(index, BufferInfo{
		PresentationTimeUs: job.info.PresentationTimeUs,
		Size:               int32(len(frame)),
	}, flag)
	return stream
}

func compatibleFormats(stream, configured core.VideoFormat) bool {
	yuv := func(f core.VideoFormat) bool { return f == core.FormatNV12 || f == core.FormatNV21 }
	if stream == configured {
		return true
	}
	return yuv(stream) && yuv(configured)
}

// layout places a packed frame into the decoder's output geometry. YUV frames
// are padded to the stride alignment and the 32-row height alignment.
func (d *SoftDecoder) layout(hdr streamHeader, raw []byte) (RequestConfig, []byte) {
	w, h := hdr.width, hdr.height
	format := core.VideoFormat(d.settings.PixelFormat)
	if format == core.FormatRGBA8888 {
		out := make([]byte, len(raw))
		copy(out, raw)
		return RequestConfig{Width: w, Height: h, Stride: w * core.RGB32MemoryCoefficient, Format: format, Size: len(out)}, out
	}

	stride := alignUp(w, d.settings.StrideAlignment)
	alignedHeight := core.AlignedHeight(h)
	size := stride * alignedHeight * core.YUVBytesPerPixel / core.Y2UVRatio
	out := make([]byte, size)
	for row := 0; row < h; row++ {
		copy(out[row*stride:row*stride+w], raw[row*w:(row+1)*w])
	}
	uvDst := stride * alignedHeight
	uvSrc := w * h
	for row := 0; row < h/core.Y2UVRatio; row++ {
		copy(out[uvDst+row*stride:uvDst+row*stride+w], raw[uvSrc+row*w:uvSrc+(row+1)*w])
	}
	return RequestConfig{Width: w, Height: h, Stride: stride, Format: format, Size: size}, out
}

func (d *SoftDecoder) outputFormat(hdr streamHeader) *Format {
	f := NewFormat()
	f.PutStringValue(KeyCodecMime, d.mime)
	f.PutIntValue(KeyWidth, int32(hdr.width))
	f.PutIntValue(KeyHeight, int32(hdr.height))
	f.PutIntValue(KeyPixelFormat, int32(d.settings.PixelFormat))
	if core.VideoFormat(d.settings.PixelFormat) != core.FormatRGBA8888 {
		f.PutIntValue(KeyStrideAlignment, int32(d.settings.StrideAlignment))
	}
	return f
}
