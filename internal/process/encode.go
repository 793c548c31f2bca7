package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
	"firestige.xyz/dcamera/internal/eventbus"
	"firestige.xyz/dcamera/internal/metrics"
)

// EncodeDataProcess encodes raw frames into a compressed stream, or passes
// buffers through when source and target codecs match.
type EncodeDataProcess struct {
	baseNode
	opts Options

	sourceConfig    core.VideoConfigParams
	targetConfig    core.VideoConfigParams
	processedConfig core.VideoConfigParams
	passThrough     bool

	nodeBus *eventbus.EventBus
	busReg  *eventbus.Registration

	mtxCodecState  sync.Mutex
	encoder        codec.VideoEncoder
	encodeProducer *codec.ProducerSurface

	mtxHoldCount           sync.Mutex
	waitEncoderOutputCount int
	inputFrameCount        int64
	firstFeedTime          time.Time
	lastFeedTimeUs         int64

	isEncoderProcess atomic.Bool
}

// NewEncodeDataProcess creates an uninitialized encode node.
func NewEncodeDataProcess(opts Options) *EncodeDataProcess {
	opts = opts.withDefaults("encode")
	return &EncodeDataProcess{
		baseNode: baseNode{name: opts.Name, owner: opts.Owner},
		opts:     opts,
	}
}

func (n *EncodeDataProcess) InitNode(source, target core.VideoConfigParams) (core.VideoConfigParams, error) {
	if n.State() != StateUninitialized {
		return core.VideoConfigParams{}, fmt.Errorf("%w: encode node %s is %s", core.ErrBadOperate, n.name, n.State())
	}
	if !source.InRange() || !target.InRange() {
		return core.VideoConfigParams{}, fmt.Errorf("%w: encode config out of range, source %s target %s",
			core.ErrBadValue, source, target)
	}
	if !isEncodeConvertible(source.CodecType(), target.CodecType()) {
		return core.VideoConfigParams{}, fmt.Errorf("%w: cannot encode %s to %s",
			core.ErrBadType, source.CodecType(), target.CodecType())
	}

	n.sourceConfig = source
	n.targetConfig = target
	if source.CodecType() == target.CodecType() {
		slog.Debug("encode node pass-through", "node", n.name, "codec", source.CodecType())
		n.passThrough = true
		n.processedConfig = source
		n.isEncoderProcess.Store(true)
		n.state.Store(int32(StateInitialized))
		return n.processedConfig, nil
	}

	switch source.Format() {
	case core.FormatNV12, core.FormatNV21, core.FormatRGBA8888:
	default:
		return core.VideoConfigParams{}, fmt.Errorf("%w: cannot encode pixel format %s", core.ErrBadType, source.Format())
	}

	n.processedConfig = source.WithCodecType(target.CodecType())
	if err := n.initEncoder(); err != nil {
		n.releaseCodec()
		n.closeBus()
		return core.VideoConfigParams{}, err
	}
	n.isEncoderProcess.Store(true)
	n.state.Store(int32(StateInitialized))
	slog.Info("encode node initialized", "node", n.name, "source", source, "processed", n.processedConfig)
	return n.processedConfig, nil
}

func isEncodeConvertible(source, target core.VideoCodecType) bool {
	return source == target || source == core.CodecNone
}

func (n *EncodeDataProcess) initEncoder() error {
	n.nodeBus = eventbus.New(n.name, eventbus.WithQueueSize(n.opts.NodeBusQueueSize))
	n.busReg = eventbus.AddHandlerFor[*CodecEvent](n.nodeBus, CodecEventType, n, n)

	mime := n.targetConfig.CodecType().MimeType()
	encoder, err := n.opts.EncoderFactory(mime)
	if err != nil {
		return fmt.Errorf("%w: create encoder %s: %v", core.ErrInitErr, mime, err)
	}

	n.mtxCodecState.Lock()
	defer n.mtxCodecState.Unlock()
	n.encoder = encoder

	format, err := n.encoderFormat(mime)
	if err != nil {
		return err
	}
	if err := encoder.Configure(format); err != nil {
		return fmt.Errorf("%w: configure encoder: %v", core.ErrBadOperate, err)
	}
	if err := encoder.SetCallback(&encodeVideoCallback{node: weak.Make(n)}); err != nil {
		return fmt.Errorf("%w: set encoder callback: %v", core.ErrBadOperate, err)
	}
	producer, err := encoder.CreateInputSurface()
	if err != nil {
		return fmt.Errorf("%w: create encoder input surface: %v", core.ErrInitErr, err)
	}
	n.encodeProducer = producer
	if err := encoder.Prepare(); err != nil {
		return fmt.Errorf("%w: prepare encoder: %v", core.ErrBadOperate, err)
	}
	if err := encoder.Start(); err != nil {
		return fmt.Errorf("%w: start encoder: %v", core.ErrBadOperate, err)
	}
	return nil
}

func (n *EncodeDataProcess) encoderFormat(mime string) (*codec.Format, error) {
	mode, err := codec.ParseBitrateMode(n.opts.BitrateMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBadValue, err)
	}
	format := codec.NewFormat()
	format.PutStringValue(codec.KeyCodecMime, mime)
	if bitrate, ok := encoderBitrate(n.sourceConfig); ok {
		format.PutLongValue(codec.KeyBitrate, bitrate)
	} else {
		slog.Info("no bitrate entry, using encoder default", "node", n.name)
	}
	format.PutIntValue(codec.KeyIFrameInterval, int32(n.opts.IFrameIntervalMs))
	format.PutIntValue(codec.KeyBitrateMode, int32(mode))
	format.PutIntValue(codec.KeyPixelFormat, int32(n.sourceConfig.Format()))
	format.PutIntValue(codec.KeyWidth, int32(n.sourceConfig.Width()))
	format.PutIntValue(codec.KeyHeight, int32(n.sourceConfig.Height()))
	format.PutIntValue(codec.KeyFrameRate, int32(n.sourceConfig.FrameRate()))
	if n.opts.Compression != "" {
		format.PutStringValue(codec.KeyCompression, n.opts.Compression)
	}
	return format, nil
}

func (n *EncodeDataProcess) maxInputSize() int {
	if n.sourceConfig.Format() == core.FormatRGBA8888 {
		return core.MaxRGB32BufferSize
	}
	return core.MaxYUV420BufferSize
}

// ProcessData copies one raw frame into the encoder's input surface.
func (n *EncodeDataProcess) ProcessData(buffers []*core.DataBuffer) error {
	if len(buffers) == 0 || buffers[0] == nil {
		return fmt.Errorf("%w: empty input buffers", core.ErrBadValue)
	}
	if !n.accepting() {
		return fmt.Errorf("%w: encode node %s is %s", core.ErrDisableProcess, n.name, n.State())
	}
	if n.passThrough {
		return n.encodeDone(buffers)
	}

	input := buffers[0]
	if input.Size() > n.maxInputSize() {
		n.countError(core.ErrMemoryOpt)
		return fmt.Errorf("%w: input of %d bytes exceeds %d", core.ErrMemoryOpt, input.Size(), n.maxInputSize())
	}
	if !n.isEncoderProcess.Load() {
		return fmt.Errorf("%w: encoder stopped", core.ErrDisableProcess)
	}
	metrics.NodeFramesInTotal.WithLabelValues(n.name, core.CodecNone.String()).Inc()

	if err := n.feedEncoderInputBuffer(input); err != nil {
		n.countError(err)
		return err
	}
	return nil
}

func (n *EncodeDataProcess) feedEncoderInputBuffer(input *core.DataBuffer) error {
	n.mtxCodecState.Lock()
	producer := n.encodeProducer
	n.mtxCodecState.Unlock()
	if producer == nil {
		return fmt.Errorf("%w: encoder input surface released", core.ErrDisableProcess)
	}

	width, height := n.sourceConfig.Width(), n.sourceConfig.Height()
	format := n.sourceConfig.Format()
	stride := width
	if format == core.FormatRGBA8888 {
		stride = width * core.RGB32MemoryCoefficient
	}
	size := max(input.Size(), format.FrameSize(width, height))
	sb, err := producer.RequestBuffer(codec.RequestConfig{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Size:   size,
	})
	if errors.Is(err, codec.ErrNoBuffer) {
		return fmt.Errorf("%w: encoder input surface full", core.ErrIndexOverflow)
	}
	if err != nil {
		return fmt.Errorf("%w: request encoder surface buffer: %v", core.ErrBadOperate, err)
	}
	if copy(sb.Data(), input.Data()) != input.Size() {
		producer.CancelBuffer(sb)
		return fmt.Errorf("%w: copy %d bytes into surface buffer", core.ErrMemoryOpt, input.Size())
	}

	timeUs := n.encoderTimeStamp(input)
	sb.SetExtraData(codec.ExtraKeyTimeStamp, timeUs)
	n.increaseWaitEncodeCount()
	if err := producer.FlushBuffer(sb, timeUs); err != nil {
		n.reduceWaitEncodeCount(1)
		return fmt.Errorf("%w: flush encoder surface buffer: %v", core.ErrBadOperate, err)
	}
	slog.Debug("fed encoder input", "node", n.name, "size", input.Size(), "time_us", timeUs)
	return nil
}

func (n *EncodeDataProcess) encoderTimeStamp(input *core.DataBuffer) int64 {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	if ts, ok := input.FindInt64(core.KeyTimeUs); ok {
		n.lastFeedTimeUs = ts
		return ts
	}
	now := time.Now()
	if n.firstFeedTime.IsZero() {
		n.firstFeedTime = now
	}
	ts := now.Sub(n.firstFeedTime).Microseconds()
	if ts <= n.lastFeedTimeUs && n.lastFeedTimeUs > 0 {
		ts = n.lastFeedTimeUs + 1
	}
	n.lastFeedTimeUs = ts
	return ts
}

// increaseWaitEncodeCount accounts for the codec config the encoder emits
// ahead of the first frame.
func (n *EncodeDataProcess) increaseWaitEncodeCount() {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	if n.inputFrameCount == 0 {
		n.waitEncoderOutputCount += n.opts.FirstFrameOutputNum
	} else {
		n.waitEncoderOutputCount++
	}
	n.inputFrameCount++
	metrics.NodeWaitCount.WithLabelValues(n.name).Set(float64(n.waitEncoderOutputCount))
}

func (n *EncodeDataProcess) reduceWaitEncodeCount(delta int) {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	if n.waitEncoderOutputCount <= 0 {
		slog.Warn("encoder output without pending input", "node", n.name, "wait", n.waitEncoderOutputCount)
	}
	n.waitEncoderOutputCount -= delta
	metrics.NodeWaitCount.WithLabelValues(n.name).Set(float64(n.waitEncoderOutputCount))
}

func (n *EncodeDataProcess) onOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.BufferFlag) {
	if !n.isEncoderProcess.Load() {
		return
	}
	n.mtxCodecState.Lock()
	encoder := n.encoder
	n.mtxCodecState.Unlock()
	if encoder == nil {
		return
	}

	out, err := n.getEncoderOutputBuffer(encoder, index, info, flag)
	if rerr := encoder.ReleaseOutputBuffer(index); rerr != nil {
		slog.Warn("release encoder output buffer failed", "node", n.name, "index", index, "error", rerr)
	}
	n.reduceWaitEncodeCount(1)
	if err != nil {
		n.countError(err)
		slog.Error("copy encoder output failed", "node", n.name, "index", index, "error", err)
		return
	}

	event := NewCodecEvent(n, ActionNone, &CodecPacket{
		CodecType: n.targetConfig.CodecType(),
		Buffers:   []*core.DataBuffer{out},
	})
	if err := n.nodeBus.PostEvent(event, eventbus.PostAsync); err != nil {
		n.countError(err)
		slog.Warn("post encoded buffer failed", "node", n.name, "error", err)
	}
}

func (n *EncodeDataProcess) getEncoderOutputBuffer(encoder codec.VideoEncoder, index uint32, info codec.BufferInfo, flag codec.BufferFlag) (*core.DataBuffer, error) {
	if info.Size <= 0 || int(info.Size) > core.BufferMaxSize {
		return nil, fmt.Errorf("%w: encoder output size %d", core.ErrMemoryOpt, info.Size)
	}
	data, err := encoder.GetOutputBuffer(index)
	if err != nil {
		return nil, fmt.Errorf("%w: get encoder output buffer %d: %v", core.ErrBadOperate, index, err)
	}
	end := int(info.Offset) + int(info.Size)
	if info.Offset < 0 || end > len(data) {
		return nil, fmt.Errorf("%w: output range [%d,%d) of %d", core.ErrMemoryOpt, info.Offset, end, len(data))
	}

	out := core.NewDataBuffer(int(info.Size))
	copy(out.Data(), data[info.Offset:end])
	out.SetInt64(core.KeyTimeUs, info.PresentationTimeUs)
	switch {
	case flag.Has(codec.FlagCodecData):
		out.SetString(core.KeyFrameType, core.FrameTypeConfig)
	case flag.Has(codec.FlagSyncFrame):
		out.SetString(core.KeyFrameType, core.FrameTypeKey)
	default:
		out.SetString(core.KeyFrameType, core.FrameTypeDelta)
	}
	out.SetInt32(core.KeyCodecType, int32(n.targetConfig.CodecType()))
	return out, nil
}

// OnEvent forwards encoded output from the node bus.
func (n *EncodeDataProcess) OnEvent(event *CodecEvent) {
	if n.State() == StateReleased || event.Action != ActionNone {
		return
	}
	if event.Packet == nil || len(event.Packet.Buffers) == 0 {
		slog.Warn("encode node received empty codec packet", "node", n.name)
		return
	}
	if err := n.encodeDone(event.Packet.Buffers); err != nil {
		slog.Warn("forward encoded buffers failed", "node", n.name, "error", err)
	}
}

func (n *EncodeDataProcess) encodeDone(buffers []*core.DataBuffer) error {
	if n.State() == StateReleased {
		return fmt.Errorf("%w: encode node released", core.ErrDisableProcess)
	}
	if !n.passThrough {
		metrics.NodeFramesOutTotal.WithLabelValues(n.name, n.targetConfig.CodecType().String()).Add(float64(len(buffers)))
	}
	return n.forward(buffers)
}

// OnError stops the encoder for good and tells the owner.
func (n *EncodeDataProcess) OnError() {
	if !n.isEncoderProcess.CompareAndSwap(true, false) {
		return
	}
	slog.Error("encoder fatal error, stopping", "node", n.name)
	metrics.NodeErrorsTotal.WithLabelValues(n.name, core.ErrorPipelineEncoder.String()).Inc()
	if err := n.stopVideoEncoder(); err != nil {
		slog.Warn("stop encoder after error", "node", n.name, "error", err)
	}
	n.notifyError(core.ErrorPipelineEncoder)
}

// WaitCount returns the number of outputs still expected from the encoder.
func (n *EncodeDataProcess) WaitCount() int {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	return n.waitEncoderOutputCount
}

// ProcessedConfig returns the config negotiated by InitNode.
func (n *EncodeDataProcess) ProcessedConfig() core.VideoConfigParams { return n.processedConfig }

func (n *EncodeDataProcess) stopVideoEncoder() error {
	n.mtxCodecState.Lock()
	encoder := n.encoder
	n.mtxCodecState.Unlock()
	if encoder == nil {
		return nil
	}
	var errs []error
	if err := encoder.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := encoder.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", core.ErrBadOperate, errors.Join(errs...))
	}
	return nil
}

func (n *EncodeDataProcess) releaseCodec() {
	if err := n.stopVideoEncoder(); err != nil {
		slog.Debug("stop encoder on release", "node", n.name, "error", err)
	}
	n.mtxCodecState.Lock()
	defer n.mtxCodecState.Unlock()
	if n.encoder != nil {
		if err := n.encoder.Release(); err != nil {
			slog.Warn("release encoder failed", "node", n.name, "error", err)
		}
		n.encoder = nil
	}
	n.encodeProducer = nil
}

func (n *EncodeDataProcess) closeBus() {
	if n.nodeBus == nil {
		return
	}
	n.nodeBus.RemoveHandler(CodecEventType, n.busReg)
	n.busReg = nil
	n.nodeBus.Close()
}

// ReleaseProcessNode is idempotent. In-flight calls observe ErrDisableProcess.
func (n *EncodeDataProcess) ReleaseProcessNode() {
	if !n.markReleased() {
		return
	}
	slog.Debug("release encode node", "node", n.name)
	n.isEncoderProcess.Store(false)

	if !n.passThrough {
		n.releaseCodec()
		n.closeBus()
	}

	n.mtxHoldCount.Lock()
	n.waitEncoderOutputCount = 0
	n.inputFrameCount = 0
	n.lastFeedTimeUs = 0
	n.firstFeedTime = time.Time{}
	n.mtxHoldCount.Unlock()

	n.releaseNext()
}

func (n *EncodeDataProcess) countError(err error) {
	metrics.NodeErrorsTotal.WithLabelValues(n.name, core.ErrorKind(err)).Inc()
}

// encodeVideoCallback forwards codec callbacks without keeping the node alive.
type encodeVideoCallback struct {
	node weak.Pointer[EncodeDataProcess]
}

func (c *encodeVideoCallback) OnError(errType codec.ErrorType, code int32) {
	n := c.node.Value()
	if n == nil {
		return
	}
	slog.Error("encoder callback error", "node", n.name, "type", errType, "code", code)
	n.OnError()
}

func (c *encodeVideoCallback) OnOutputFormatChanged(format *codec.Format) {
	if n := c.node.Value(); n != nil {
		slog.Debug("encoder output format changed", "node", n.name, "keys", format.Len())
	}
}

// OnInputBufferAvailable is unused: the encoder reads frames from its input surface.
func (c *encodeVideoCallback) OnInputBufferAvailable(uint32) {}

func (c *encodeVideoCallback) OnOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.BufferFlag) {
	if n := c.node.Value(); n != nil {
		n.onOutputBufferAvailable(index, info, flag)
	}
}
