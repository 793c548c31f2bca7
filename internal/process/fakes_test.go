package process

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
)

// fakeDecoder is a scriptable codec.VideoDecoder: tests free input slots and
// emit outputs explicitly.
type fakeDecoder struct {
	mu          sync.Mutex
	cb          codec.Callback
	surface     *codec.ProducerSurface
	width       int
	height      int
	pixelFormat core.VideoFormat
	maxInput    int
	inputs      map[uint32][]byte
	queued      []codec.BufferInfo
	outputs     map[uint32]int64
	calls       map[string]int
	queueErr    error
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		inputs:  make(map[uint32][]byte),
		outputs: make(map[uint32]int64),
		calls:   make(map[string]int),
	}
}

func (f *fakeDecoder) call(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeDecoder) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeDecoder) queuedInfos() []codec.BufferInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.BufferInfo(nil), f.queued...)
}

func (f *fakeDecoder) SetCallback(cb codec.Callback) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeDecoder) Configure(format *codec.Format) error {
	f.call("configure")
	w, _ := format.GetIntValue(codec.KeyWidth)
	h, _ := format.GetIntValue(codec.KeyHeight)
	pf, _ := format.GetIntValue(codec.KeyPixelFormat)
	maxInput, _ := format.GetLongValue(codec.KeyMaxInputSize)
	f.mu.Lock()
	f.width, f.height, f.pixelFormat, f.maxInput = int(w), int(h), core.VideoFormat(pf), int(maxInput)
	f.mu.Unlock()
	return nil
}

func (f *fakeDecoder) SetOutputSurface(s *codec.ProducerSurface) error {
	f.mu.Lock()
	f.surface = s
	f.mu.Unlock()
	return nil
}

func (f *fakeDecoder) Prepare() error { f.call("prepare"); return nil }
func (f *fakeDecoder) Start() error   { f.call("start"); return nil }
func (f *fakeDecoder) Flush() error   { f.call("flush"); return nil }
func (f *fakeDecoder) Stop() error    { f.call("stop"); return nil }
func (f *fakeDecoder) Release() error { f.call("release"); return nil }

func (f *fakeDecoder) GetInputBuffer(index uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.inputs[index]
	if !ok {
		buf = make([]byte, f.maxInput)
		f.inputs[index] = buf
	}
	return buf, nil
}

func (f *fakeDecoder) QueueInputBuffer(index uint32, info codec.BufferInfo, flag codec.BufferFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return f.queueErr
	}
	f.queued = append(f.queued, info)
	return nil
}

func (f *fakeDecoder) failQueue(err error) {
	f.mu.Lock()
	f.queueErr = err
	f.mu.Unlock()
}

// ReleaseOutputBuffer renders a synthetic frame: Y rows hold their row
// number, chroma bytes hold 0x80.
func (f *fakeDecoder) ReleaseOutputBuffer(index uint32, render bool) error {
	f.mu.Lock()
	pts := f.outputs[index]
	delete(f.outputs, index)
	w, h, pf, surface := f.width, f.height, f.pixelFormat, f.surface
	f.mu.Unlock()
	if !render {
		return nil
	}

	var cfg codec.RequestConfig
	if pf == core.FormatRGBA8888 {
		cfg = codec.RequestConfig{Width: w, Height: h, Stride: w * 4, Format: pf, Size: w * h * 4}
	} else {
		stride := (w + 63) / 64 * 64
		cfg = codec.RequestConfig{Width: w, Height: h, Stride: stride, Format: pf,
			Size: stride * core.AlignedHeight(h) * 3 / 2}
	}
	buf, err := surface.RequestBuffer(cfg)
	if err != nil {
		return err
	}
	data := buf.Data()
	if pf == core.FormatRGBA8888 {
		for i := range data {
			data[i] = byte(i / (w * 4))
		}
	} else {
		for row := 0; row < h; row++ {
			for col := 0; col < w; col++ {
				data[row*cfg.Stride+col] = byte(row)
			}
		}
		uv := cfg.Stride * core.AlignedHeight(h)
		for i := uv; i < len(data); i++ {
			data[i] = 0x80
		}
	}
	return surface.FlushBuffer(buf, pts)
}

func (f *fakeDecoder) callback() codec.Callback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeDecoder) freeInput(index uint32) {
	f.callback().OnInputBufferAvailable(index)
}

func (f *fakeDecoder) emitOutput(index uint32, pts int64) {
	f.mu.Lock()
	f.outputs[index] = pts
	f.mu.Unlock()
	f.callback().OnOutputBufferAvailable(index, codec.BufferInfo{PresentationTimeUs: pts}, codec.FlagNone)
}

func (f *fakeDecoder) factory(created *int) codec.DecoderFactory {
	return func(string) (codec.VideoDecoder, error) {
		*created++
		return f, nil
	}
}

// fakeEncoder is a scriptable codec.VideoEncoder.
type fakeEncoder struct {
	mu       sync.Mutex
	cb       codec.Callback
	format   *codec.Format
	consumer *codec.ConsumerSurface
	outputs  map[uint32][]byte
	calls    map[string]int
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		outputs: make(map[uint32][]byte),
		calls:   make(map[string]int),
	}
}

func (f *fakeEncoder) call(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeEncoder) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeEncoder) SetCallback(cb codec.Callback) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) Configure(format *codec.Format) error {
	f.call("configure")
	f.mu.Lock()
	f.format = format.Clone()
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) CreateInputSurface() (*codec.ProducerSurface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumer = codec.NewConsumerSurface(8)
	return f.consumer.Producer(), nil
}

func (f *fakeEncoder) Prepare() error { f.call("prepare"); return nil }
func (f *fakeEncoder) Start() error   { f.call("start"); return nil }
func (f *fakeEncoder) Flush() error   { f.call("flush"); return nil }
func (f *fakeEncoder) Stop() error    { f.call("stop"); return nil }
func (f *fakeEncoder) Release() error { f.call("release"); return nil }

func (f *fakeEncoder) GetOutputBuffer(index uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.outputs[index]
	if !ok {
		return nil, codec.ErrInvalidIndex
	}
	return data, nil
}

func (f *fakeEncoder) ReleaseOutputBuffer(index uint32) error {
	f.call("release_output")
	f.mu.Lock()
	delete(f.outputs, index)
	f.mu.Unlock()
	return nil
}

// drainInput acquires every frame flushed to the input surface and returns their timestamps.
func (f *fakeEncoder) drainInput() []int64 {
	f.mu.Lock()
	consumer := f.consumer
	f.mu.Unlock()
	var ts []int64
	for {
		buf, _, err := consumer.AcquireBuffer()
		if err != nil {
			return ts
		}
		v, _ := buf.ExtraData(codec.ExtraKeyTimeStamp)
		ts = append(ts, v.(int64))
		consumer.ReleaseBuffer(buf)
	}
}

func (f *fakeEncoder) emitOutput(index uint32, payload []byte, pts int64, flag codec.BufferFlag) {
	f.mu.Lock()
	f.outputs[index] = payload
	cb := f.cb
	f.mu.Unlock()
	cb.OnOutputBufferAvailable(index, codec.BufferInfo{PresentationTimeUs: pts, Size: int32(len(payload))}, flag)
}

func (f *fakeEncoder) factory(created *int) codec.EncoderFactory {
	return func(string) (codec.VideoEncoder, error) {
		*created++
		return f, nil
	}
}

// ownerRecorder is a PipelineCallback collecting what reaches the owner.
type ownerRecorder struct {
	buffers chan *core.DataBuffer
	errors  chan core.DataProcessErrorType
}

func newOwnerRecorder() *ownerRecorder {
	return &ownerRecorder{
		buffers: make(chan *core.DataBuffer, 64),
		errors:  make(chan core.DataProcessErrorType, 8),
	}
}

func (o *ownerRecorder) OnProcessedVideoBuffer(buf *core.DataBuffer) { o.buffers <- buf }
func (o *ownerRecorder) OnError(kind core.DataProcessErrorType)      { o.errors <- kind }

func (o *ownerRecorder) next(t *testing.T) *core.DataBuffer {
	t.Helper()
	select {
	case buf := <-o.buffers:
		return buf
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for processed buffer")
		return nil
	}
}

// mockOwner is a testify mock of PipelineCallback.
type mockOwner struct {
	mock.Mock
}

func (m *mockOwner) OnProcessedVideoBuffer(buf *core.DataBuffer) { m.Called(buf) }
func (m *mockOwner) OnError(kind core.DataProcessErrorType)      { m.Called(kind) }

func frame(size int) []*core.DataBuffer {
	return []*core.DataBuffer{core.NewDataBuffer(size)}
}
