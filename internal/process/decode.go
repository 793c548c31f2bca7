package process

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
	"firestige.xyz/dcamera/internal/eventbus"
	"firestige.xyz/dcamera/internal/metrics"
)

// DecodeDataProcess decodes a compressed stream into raw frames, or passes
// buffers through when source and target codecs match.
type DecodeDataProcess struct {
	baseNode
	opts Options

	sourceConfig    core.VideoConfigParams
	targetConfig    core.VideoConfigParams
	processedConfig core.VideoConfigParams
	profile         decodeProfile
	passThrough     bool

	pipelineBus *eventbus.EventBus
	nodeBus     *eventbus.EventBus
	busRegs     []busRegistration

	mtxCodecState  sync.Mutex
	decoder        codec.VideoDecoder
	decodeConsumer *codec.ConsumerSurface
	decodeProducer *codec.ProducerSurface

	mtxHoldCount           sync.Mutex
	inputBuffersQueue      []*core.DataBuffer
	availableInputIndexes  []uint32
	waitDecoderOutputCount int
	decodedFrameCount      int64
	firstFeedTime          time.Time
	lastFeedTimeUs         int64
	lastOutputTimeUs       int64

	// input metadata by presentation timestamp, inherited by decoded frames
	inputMeta *cache.Cache

	isDecoderProcess atomic.Bool
	retryPending     atomic.Bool
}

type busRegistration struct {
	bus *eventbus.EventBus
	reg *eventbus.Registration
}

// queuedInput remembers the tags and queue time of a decoder input, keyed by timestamp.
type queuedInput struct {
	meta     *core.DataBuffer
	queuedAt time.Time
}

// NewDecodeDataProcess creates an uninitialized decode node.
func NewDecodeDataProcess(opts Options) *DecodeDataProcess {
	opts = opts.withDefaults("decode")
	return &DecodeDataProcess{
		baseNode: baseNode{name: opts.Name, owner: opts.Owner},
		opts:     opts,
	}
}

func (n *DecodeDataProcess) InitNode(source, target core.VideoConfigParams) (core.VideoConfigParams, error) {
	if n.State() != StateUninitialized {
		return core.VideoConfigParams{}, fmt.Errorf("%w: decode node %s is %s", core.ErrBadOperate, n.name, n.State())
	}
	if !source.InRange() || !target.InRange() {
		return core.VideoConfigParams{}, fmt.Errorf("%w: decode config out of range, source %s target %s",
			core.ErrBadValue, source, target)
	}
	if !isDecodeConvertible(source.CodecType(), target.CodecType()) {
		return core.VideoConfigParams{}, fmt.Errorf("%w: cannot decode %s to %s",
			core.ErrBadType, source.CodecType(), target.CodecType())
	}

	n.sourceConfig = source
	n.targetConfig = target
	if source.CodecType() == target.CodecType() {
		slog.Debug("decode node pass-through", "node", n.name, "codec", source.CodecType())
		n.passThrough = true
		n.processedConfig = source
		n.isDecoderProcess.Store(true)
		n.state.Store(int32(StateInitialized))
		return n.processedConfig, nil
	}

	n.profile = profileFor(source.CodecType())
	n.processedConfig = source.WithCodecType(core.CodecNone).WithFormat(n.profile.outputFormat)
	if err := n.initDecoder(); err != nil {
		n.releaseCodec()
		n.closeBuses()
		return core.VideoConfigParams{}, err
	}
	n.isDecoderProcess.Store(true)
	n.state.Store(int32(StateInitialized))
	slog.Info("decode node initialized", "node", n.name, "source", source, "processed", n.processedConfig,
		"profile", n.profile.name)
	return n.processedConfig, nil
}

func isDecodeConvertible(source, target core.VideoCodecType) bool {
	return source == target || target == core.CodecNone
}

func (n *DecodeDataProcess) initDecoder() error {
	n.inputMeta = cache.New(n.opts.MetadataTTL, n.opts.MetadataTTL*2)

	n.nodeBus = eventbus.New(n.name, eventbus.WithQueueSize(n.opts.NodeBusQueueSize))
	n.pipelineBus = n.opts.Bus
	if n.pipelineBus == nil {
		n.pipelineBus = n.nodeBus
	}
	n.busRegs = append(n.busRegs, busRegistration{n.nodeBus,
		eventbus.AddHandlerFor[*CodecEvent](n.nodeBus, CodecEventType, n, n)})
	if n.pipelineBus != n.nodeBus {
		n.busRegs = append(n.busRegs, busRegistration{n.pipelineBus,
			eventbus.AddHandlerFor[*CodecEvent](n.pipelineBus, CodecEventType, n, n)})
	}

	mime := n.sourceConfig.CodecType().MimeType()
	decoder, err := n.opts.DecoderFactory(mime)
	if err != nil {
		return fmt.Errorf("%w: create decoder %s: %v", core.ErrInitErr, mime, err)
	}

	n.mtxCodecState.Lock()
	defer n.mtxCodecState.Unlock()
	n.decoder = decoder

	format := codec.NewFormat()
	format.PutStringValue(codec.KeyCodecMime, mime)
	format.PutIntValue(codec.KeyPixelFormat, int32(n.profile.outputFormat))
	format.PutLongValue(codec.KeyMaxInputSize, int64(n.profile.maxInputSize))
	format.PutIntValue(codec.KeyWidth, int32(n.sourceConfig.Width()))
	format.PutIntValue(codec.KeyHeight, int32(n.sourceConfig.Height()))
	format.PutIntValue(codec.KeyFrameRate, core.MaxFrameRate)
	if n.opts.StrideAlignment > 0 {
		format.PutIntValue(codec.KeyStrideAlignment, int32(n.opts.StrideAlignment))
	}
	if err := decoder.Configure(format); err != nil {
		return fmt.Errorf("%w: configure decoder: %v", core.ErrBadOperate, err)
	}
	if err := decoder.SetCallback(&decodeVideoCallback{node: weak.Make(n)}); err != nil {
		return fmt.Errorf("%w: set decoder callback: %v", core.ErrBadOperate, err)
	}

	n.decodeConsumer = codec.NewConsumerSurface(0)
	n.decodeConsumer.SetDefaultWidthAndHeight(n.sourceConfig.Width(), n.sourceConfig.Height())
	if err := n.decodeConsumer.RegisterConsumerListener(&decodeSurfaceListener{node: weak.Make(n)}); err != nil {
		return fmt.Errorf("%w: register surface listener: %v", core.ErrInitErr, err)
	}
	n.decodeProducer = n.decodeConsumer.Producer()
	if err := decoder.SetOutputSurface(n.decodeProducer); err != nil {
		return fmt.Errorf("%w: set decoder output surface: %v", core.ErrBadOperate, err)
	}

	if err := decoder.Prepare(); err != nil {
		return fmt.Errorf("%w: prepare decoder: %v", core.ErrBadOperate, err)
	}
	if err := decoder.Start(); err != nil {
		return fmt.Errorf("%w: start decoder: %v", core.ErrBadOperate, err)
	}
	return nil
}

// ProcessData queues one buffer for decoding. When no decoder input slot is
// free, or feeding a slot fails, the feed is retried asynchronously and the
// call still succeeds.
func (n *DecodeDataProcess) ProcessData(buffers []*core.DataBuffer) error {
	if len(buffers) == 0 || buffers[0] == nil {
		return fmt.Errorf("%w: empty input buffers", core.ErrBadValue)
	}
	if !n.accepting() {
		return fmt.Errorf("%w: decode node %s is %s", core.ErrDisableProcess, n.name, n.State())
	}
	if n.passThrough {
		return n.decodeDone(buffers)
	}

	input := buffers[0]
	if input.Size() > n.profile.maxInputSize {
		n.countError(core.ErrMemoryOpt)
		return fmt.Errorf("%w: input of %d bytes exceeds %d", core.ErrMemoryOpt, input.Size(), n.profile.maxInputSize)
	}

	n.mtxHoldCount.Lock()
	if !n.isDecoderProcess.Load() {
		n.mtxHoldCount.Unlock()
		return fmt.Errorf("%w: decoder stopped", core.ErrDisableProcess)
	}
	if pending := len(n.inputBuffersQueue); pending >= n.opts.QueueMax {
		n.mtxHoldCount.Unlock()
		n.countError(core.ErrIndexOverflow)
		return fmt.Errorf("%w: %d buffers pending", core.ErrIndexOverflow, pending)
	}
	n.inputBuffersQueue = append(n.inputBuffersQueue, input)
	metrics.DecoderPendingInputs.WithLabelValues(n.name).Set(float64(len(n.inputBuffersQueue)))
	n.mtxHoldCount.Unlock()
	metrics.NodeFramesInTotal.WithLabelValues(n.name, n.sourceConfig.CodecType().String()).Inc()

	// The buffer is owned by the queue now; feed failures are retried, not returned.
	if err := n.feedDecoderInputBuffer(); err != nil {
		n.countError(err)
		slog.Warn("decoder feed failed, will retry", "node", n.name, "error", err)
	}
	n.scheduleRetryIfPending()
	return nil
}

// feedDecoderInputBuffer moves pending buffers into free decoder slots until
// either runs out.
func (n *DecodeDataProcess) feedDecoderInputBuffer() error {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()

	for len(n.inputBuffersQueue) > 0 && len(n.availableInputIndexes) > 0 {
		if !n.isDecoderProcess.Load() {
			return fmt.Errorf("%w: decoder stopped", core.ErrDisableProcess)
		}
		n.mtxCodecState.Lock()
		decoder := n.decoder
		n.mtxCodecState.Unlock()
		if decoder == nil {
			return fmt.Errorf("%w: decoder released", core.ErrDisableProcess)
		}

		buffer := n.inputBuffersQueue[0]
		index := n.availableInputIndexes[0]
		mem, err := decoder.GetInputBuffer(index)
		if err != nil {
			n.availableInputIndexes = n.availableInputIndexes[1:]
			return fmt.Errorf("%w: get decoder input buffer %d: %v", core.ErrBadOperate, index, err)
		}
		if buffer.Size() > len(mem) {
			n.inputBuffersQueue = n.inputBuffersQueue[1:]
			return fmt.Errorf("%w: input of %d bytes into slot of %d", core.ErrMemoryOpt, buffer.Size(), len(mem))
		}
		copy(mem, buffer.Data())

		timeUs := n.decoderTimeStamp(buffer)
		info := codec.BufferInfo{PresentationTimeUs: timeUs, Size: int32(buffer.Size())}
		if err := decoder.QueueInputBuffer(index, info, codec.FlagNone); err != nil {
			return fmt.Errorf("%w: queue decoder input %d: %v", core.ErrBadOperate, index, err)
		}
		entry := &queuedInput{queuedAt: time.Now()}
		if buffer.MetaLen() > 0 {
			entry.meta = core.NewDataBuffer(0)
			entry.meta.CopyMetaFrom(buffer)
		}
		n.inputMeta.Set(strconv.FormatInt(timeUs, 10), entry, cache.DefaultExpiration)

		n.inputBuffersQueue[0] = nil
		n.inputBuffersQueue = n.inputBuffersQueue[1:]
		n.availableInputIndexes = n.availableInputIndexes[1:]
		n.waitDecoderOutputCount++
		metrics.NodeWaitCount.WithLabelValues(n.name).Set(float64(n.waitDecoderOutputCount))
		metrics.DecoderPendingInputs.WithLabelValues(n.name).Set(float64(len(n.inputBuffersQueue)))
		slog.Debug("fed decoder input", "node", n.name, "index", index, "size", buffer.Size(),
			"time_us", timeUs, "wait", n.waitDecoderOutputCount)
	}
	return nil
}

// decoderTimeStamp returns the caller's timeUs when present, otherwise the
// time since the first feed. Caller holds mtxHoldCount.
func (n *DecodeDataProcess) decoderTimeStamp(buffer *core.DataBuffer) int64 {
	if ts, ok := buffer.FindInt64(core.KeyTimeUs); ok {
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

// scheduleRetryIfPending posts one ACTION_ONCE_AGAIN event after the retry
// backoff when buffers still wait for an input slot.
func (n *DecodeDataProcess) scheduleRetryIfPending() {
	n.mtxHoldCount.Lock()
	pending := len(n.inputBuffersQueue)
	n.mtxHoldCount.Unlock()
	if pending == 0 || !n.isDecoderProcess.Load() {
		return
	}
	if !n.retryPending.CompareAndSwap(false, true) {
		return
	}
	metrics.DecoderRetriesTotal.WithLabelValues(n.name).Inc()
	bus := n.pipelineBus
	time.AfterFunc(n.opts.RetryBackoff, func() {
		event := NewCodecEvent(n, ActionOnceAgain, &CodecPacket{CodecType: n.sourceConfig.CodecType()})
		if err := bus.PostEvent(event, eventbus.PostAsync); err != nil {
			n.retryPending.Store(false)
			slog.Debug("decoder retry not posted", "node", n.name, "error", err)
		}
	})
}

// OnEvent handles decoded output and feed retries.
func (n *DecodeDataProcess) OnEvent(event *CodecEvent) {
	if n.State() == StateReleased {
		return
	}
	switch event.Action {
	case ActionNone:
		if event.Packet == nil || len(event.Packet.Buffers) == 0 {
			slog.Warn("decode node received empty codec packet", "node", n.name)
			return
		}
		if err := n.decodeDone(event.Packet.Buffers); err != nil {
			slog.Warn("forward decoded buffers failed", "node", n.name, "error", err)
		}
	case ActionOnceAgain:
		n.retryPending.Store(false)
		if !n.isDecoderProcess.Load() {
			return
		}
		if err := n.feedDecoderInputBuffer(); err != nil {
			n.countError(err)
			slog.Warn("decoder refeed failed", "node", n.name, "error", err)
		}
		n.scheduleRetryIfPending()
	default:
		slog.Warn("unknown codec action", "node", n.name, "action", event.Action)
	}
}

func (n *DecodeDataProcess) decodeDone(buffers []*core.DataBuffer) error {
	if n.State() == StateReleased {
		return fmt.Errorf("%w: decode node released", core.ErrDisableProcess)
	}
	if !n.passThrough {
		metrics.NodeFramesOutTotal.WithLabelValues(n.name, n.sourceConfig.CodecType().String()).Add(float64(len(buffers)))
	}
	return n.forward(buffers)
}

// OnError stops the decoder for good and tells the owner.
func (n *DecodeDataProcess) OnError() {
	if !n.isDecoderProcess.CompareAndSwap(true, false) {
		return
	}
	slog.Error("decoder fatal error, stopping", "node", n.name)
	metrics.NodeErrorsTotal.WithLabelValues(n.name, core.ErrorPipelineDecoder.String()).Inc()
	if err := n.stopVideoDecoder(); err != nil {
		slog.Warn("stop decoder after error", "node", n.name, "error", err)
	}
	n.notifyError(core.ErrorPipelineDecoder)
}

func (n *DecodeDataProcess) onInputBufferAvailable(index uint32) {
	n.mtxHoldCount.Lock()
	if len(n.availableInputIndexes) >= n.opts.QueueMax {
		n.mtxHoldCount.Unlock()
		slog.Error("decoder available input index queue overflow", "node", n.name, "index", index)
		return
	}
	n.availableInputIndexes = append(n.availableInputIndexes, index)
	n.mtxHoldCount.Unlock()
	n.scheduleRetryIfPending()
}

func (n *DecodeDataProcess) onOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.BufferFlag) {
	if !n.isDecoderProcess.Load() {
		return
	}
	n.mtxCodecState.Lock()
	decoder := n.decoder
	n.mtxCodecState.Unlock()
	if decoder == nil {
		return
	}
	slog.Debug("decoder output available", "node", n.name, "index", index, "time_us", info.PresentationTimeUs,
		"size", info.Size, "sync", flag.Has(codec.FlagSyncFrame))
	// rendering flushes the frame to the output surface, whose listener copies it out
	if err := decoder.ReleaseOutputBuffer(index, true); err != nil {
		slog.Error("release decoder output buffer failed", "node", n.name, "index", index, "error", err)
	}
}

// getDecoderOutputBuffer copies the frame rendered to the output surface into
// a DataBuffer and posts it to the node bus.
func (n *DecodeDataProcess) getDecoderOutputBuffer() {
	if !n.isDecoderProcess.Load() {
		return
	}
	n.mtxCodecState.Lock()
	consumer := n.decodeConsumer
	n.mtxCodecState.Unlock()
	if consumer == nil {
		return
	}

	sb, timeUs, err := consumer.AcquireBuffer()
	if err != nil {
		slog.Warn("acquire decoded surface buffer failed", "node", n.name, "error", err)
		return
	}
	width, height := n.sourceConfig.Width(), n.sourceConfig.Height()
	out, err := n.profile.copyImage(sb, width, height)
	if rerr := consumer.ReleaseBuffer(sb); rerr != nil {
		slog.Warn("release decoded surface buffer failed", "node", n.name, "error", rerr)
	}
	if err != nil {
		n.countError(err)
		slog.Error("copy decoded image failed", "node", n.name, "error", err)
		return
	}

	out.SetInt64(core.KeyTimeUs, timeUs)
	out.SetInt32(core.KeyVideoFormat, int32(n.processedConfig.Format()))
	out.SetInt32(core.KeyWidth, int32(width))
	out.SetInt32(core.KeyHeight, int32(height))
	key := strconv.FormatInt(timeUs, 10)
	if v, ok := n.inputMeta.Get(key); ok {
		entry := v.(*queuedInput)
		if entry.meta != nil {
			out.CopyMetaFrom(entry.meta)
		}
		metrics.CodecLatencySeconds.WithLabelValues(n.name).Observe(time.Since(entry.queuedAt).Seconds())
		n.inputMeta.Delete(key)
	}

	n.reduceWaitDecodeCount(timeUs)
	n.postOutputDataBuffers(out)
}

func (n *DecodeDataProcess) reduceWaitDecodeCount(timeUs int64) {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	if n.waitDecoderOutputCount <= 0 {
		slog.Warn("decoder output without pending input", "node", n.name, "wait", n.waitDecoderOutputCount)
	}
	if n.decodedFrameCount == 0 {
		n.waitDecoderOutputCount -= n.opts.FirstFrameInputNum
	} else {
		n.waitDecoderOutputCount--
	}
	n.decodedFrameCount++
	n.lastOutputTimeUs = timeUs
	metrics.NodeWaitCount.WithLabelValues(n.name).Set(float64(n.waitDecoderOutputCount))
}

func (n *DecodeDataProcess) postOutputDataBuffers(out *core.DataBuffer) {
	event := NewCodecEvent(n, ActionNone, &CodecPacket{
		CodecType: core.CodecNone,
		Buffers:   []*core.DataBuffer{out},
	})
	if err := n.nodeBus.PostEvent(event, eventbus.PostAsync); err != nil {
		n.countError(err)
		slog.Warn("post decoded buffer failed", "node", n.name, "error", err)
	}
}

// WaitCount returns the number of frames fed and not yet decoded.
func (n *DecodeDataProcess) WaitCount() int {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	return n.waitDecoderOutputCount
}

// PendingInputs returns the number of buffers waiting for a decoder slot.
func (n *DecodeDataProcess) PendingInputs() int {
	n.mtxHoldCount.Lock()
	defer n.mtxHoldCount.Unlock()
	return len(n.inputBuffersQueue)
}

// ProcessedConfig returns the config negotiated by InitNode.
func (n *DecodeDataProcess) ProcessedConfig() core.VideoConfigParams { return n.processedConfig }

func (n *DecodeDataProcess) stopVideoDecoder() error {
	n.mtxCodecState.Lock()
	decoder := n.decoder
	n.mtxCodecState.Unlock()
	if decoder == nil {
		return nil
	}
	var errs []error
	if err := decoder.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := decoder.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", core.ErrBadOperate, errors.Join(errs...))
	}
	return nil
}

func (n *DecodeDataProcess) releaseCodec() {
	if err := n.stopVideoDecoder(); err != nil {
		slog.Debug("stop decoder on release", "node", n.name, "error", err)
	}
	n.mtxCodecState.Lock()
	defer n.mtxCodecState.Unlock()
	if n.decoder != nil {
		if err := n.decoder.Release(); err != nil {
			slog.Warn("release decoder failed", "node", n.name, "error", err)
		}
		n.decoder = nil
	}
	if n.decodeConsumer != nil {
		if err := n.decodeConsumer.UnregisterConsumerListener(); err != nil {
			slog.Debug("unregister decode surface listener", "node", n.name, "error", err)
		}
		n.decodeConsumer = nil
		n.decodeProducer = nil
	}
}

func (n *DecodeDataProcess) closeBuses() {
	for _, r := range n.busRegs {
		r.bus.RemoveHandler(CodecEventType, r.reg)
	}
	n.busRegs = nil
	if n.nodeBus != nil {
		n.nodeBus.Close()
	}
}

// ReleaseProcessNode is idempotent. In-flight calls observe ErrDisableProcess.
func (n *DecodeDataProcess) ReleaseProcessNode() {
	if !n.markReleased() {
		return
	}
	slog.Debug("release decode node", "node", n.name)
	n.isDecoderProcess.Store(false)

	if !n.passThrough {
		n.releaseCodec()
		n.closeBuses()
	}

	n.mtxHoldCount.Lock()
	n.inputBuffersQueue = nil
	n.availableInputIndexes = nil
	n.waitDecoderOutputCount = 0
	n.decodedFrameCount = 0
	n.lastFeedTimeUs = 0
	n.lastOutputTimeUs = 0
	n.firstFeedTime = time.Time{}
	n.mtxHoldCount.Unlock()
	if n.inputMeta != nil {
		n.inputMeta.Flush()
	}

	n.releaseNext()
}

func (n *DecodeDataProcess) countError(err error) {
	metrics.NodeErrorsTotal.WithLabelValues(n.name, core.ErrorKind(err)).Inc()
}

// decodeVideoCallback forwards codec callbacks without keeping the node alive.
type decodeVideoCallback struct {
	node weak.Pointer[DecodeDataProcess]
}

func (c *decodeVideoCallback) OnError(errType codec.ErrorType, code int32) {
	n := c.node.Value()
	if n == nil {
		return
	}
	slog.Error("decoder callback error", "node", n.name, "type", errType, "code", code)
	n.OnError()
}

func (c *decodeVideoCallback) OnOutputFormatChanged(format *codec.Format) {
	if n := c.node.Value(); n != nil && format != nil {
		w, _ := format.GetIntValue(codec.KeyWidth)
		h, _ := format.GetIntValue(codec.KeyHeight)
		slog.Debug("decoder output format changed", "node", n.name, "width", w, "height", h)
	}
}

func (c *decodeVideoCallback) OnInputBufferAvailable(index uint32) {
	if n := c.node.Value(); n != nil {
		n.onInputBufferAvailable(index)
	}
}

func (c *decodeVideoCallback) OnOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.BufferFlag) {
	if n := c.node.Value(); n != nil {
		n.onOutputBufferAvailable(index, info, flag)
	}
}

type decodeSurfaceListener struct {
	node weak.Pointer[DecodeDataProcess]
}

func (l *decodeSurfaceListener) OnBufferAvailable() {
	if n := l.node.Value(); n != nil {
		n.getDecoderOutputBuffer()
	}
}
