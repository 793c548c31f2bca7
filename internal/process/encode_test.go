package process

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
)

func newActiveEncoder(t *testing.T, owner PipelineCallback, source core.VideoConfigParams) (*EncodeDataProcess, *fakeEncoder) {
	t.Helper()
	fake := newFakeEncoder()
	var created int
	node := NewEncodeDataProcess(Options{
		Owner:          NewOwnerRef(owner),
		EncoderFactory: fake.factory(&created),
	})
	processed, err := node.InitNode(source, source.WithCodecType(core.CodecH264))
	require.NoError(t, err)
	require.Equal(t, 1, created)
	assert.Equal(t, core.CodecH264, processed.CodecType())
	assert.Equal(t, source.Format(), processed.Format())
	t.Cleanup(node.ReleaseProcessNode)
	return node, fake
}

func TestSelectBitrate(t *testing.T) {
	tests := []struct {
		name   string
		pixels int
		want   int64
	}{
		{"exact vga", 640 * 480, 1536000},
		{"below table", 100, 400000},
		{"above table", 4096 * 2160, 10137600},
		{"nearest 720p", 1280 * 700, 4608000},
		{"cif nearest qvga", 352 * 288, 400000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectBitrate(encoderBitrateTable, tt.pixels)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	// ties keep the first entry
	got, ok := selectBitrate([]bitrateEntry{{100, 1}, {200, 2}}, 150)
	assert.True(t, ok)
	assert.Equal(t, int64(1), got)

	_, ok = selectBitrate(nil, 640*480)
	assert.False(t, ok)
}

func TestEncodeInitNode(t *testing.T) {
	var created int
	fake := newFakeEncoder()

	node := NewEncodeDataProcess(Options{EncoderFactory: fake.factory(&created)})
	_, err := node.InitNode(h264Config(640, 480), core.NewVideoConfigParams(core.CodecH265, core.FormatNV12, 30, 640, 480))
	assert.ErrorIs(t, err, core.ErrBadType)
	_, err = node.InitNode(rawConfig(2000, 480), h264Config(640, 480))
	assert.ErrorIs(t, err, core.ErrBadValue)
	assert.Equal(t, 0, created)

	owner := newOwnerRecorder()
	pass := NewEncodeDataProcess(Options{Owner: NewOwnerRef(owner), EncoderFactory: fake.factory(&created)})
	processed, err := pass.InitNode(h264Config(640, 480), h264Config(640, 480))
	require.NoError(t, err)
	assert.Equal(t, h264Config(640, 480), processed)
	assert.Equal(t, 0, created)
	in := frame(4)
	require.NoError(t, pass.ProcessData(in))
	assert.Same(t, in[0], owner.next(t))
	assert.ErrorIs(t, pass.ProcessData(nil), core.ErrBadValue)
}

func TestEncodeConfiguresEncoder(t *testing.T) {
	_, fake := newActiveEncoder(t, newOwnerRecorder(), rawConfig(1280, 720))

	f := fake.format
	mime, _ := f.GetStringValue(codec.KeyCodecMime)
	bitrate, _ := f.GetLongValue(codec.KeyBitrate)
	interval, _ := f.GetIntValue(codec.KeyIFrameInterval)
	mode, _ := f.GetIntValue(codec.KeyBitrateMode)
	width, _ := f.GetIntValue(codec.KeyWidth)
	assert.Equal(t, "video/avc", mime)
	assert.Equal(t, int64(4608000), bitrate)
	assert.Equal(t, int32(DefaultIFrameIntervalMs), interval)
	assert.Equal(t, int32(codec.BitrateModeVBR), mode)
	assert.Equal(t, int32(1280), width)
	assert.Equal(t, 1, fake.count("start"))
}

func TestEncodeSizeBoundary(t *testing.T) {
	node, fake := newActiveEncoder(t, newOwnerRecorder(), rawConfig(1920, 1080))

	require.NoError(t, node.ProcessData(frame(core.MaxYUV420BufferSize)))
	assert.ErrorIs(t, node.ProcessData(frame(core.MaxYUV420BufferSize+1)), core.ErrMemoryOpt)
	assert.Len(t, fake.drainInput(), 1)
}

func TestEncodeOutputAndWaitCount(t *testing.T) {
	owner := newOwnerRecorder()
	node, fake := newActiveEncoder(t, owner, rawConfig(640, 480))
	size := core.FormatNV12.FrameSize(640, 480)

	const frames = 5
	for i := 0; i < frames; i++ {
		in := core.NewDataBuffer(size)
		in.SetInt64(core.KeyTimeUs, int64(i)*40_000)
		require.NoError(t, node.ProcessData([]*core.DataBuffer{in}))
	}
	assert.Equal(t, frames+DefaultFirstFrameOutputNum-1, node.WaitCount())
	assert.Equal(t, []int64{0, 40_000, 80_000, 120_000, 160_000}, fake.drainInput())

	// codec config ahead of the frames
	fake.emitOutput(0, []byte{0xc0}, 0, codec.FlagCodecData)
	for i := 0; i < frames; i++ {
		flag := codec.FlagNone
		if i == 0 {
			flag = codec.FlagSyncFrame
		}
		fake.emitOutput(uint32(i%2), []byte{byte(i), 1, 2}, int64(i)*40_000, flag)
	}

	cfg := owner.next(t)
	kind, _ := cfg.FindString(core.KeyFrameType)
	assert.Equal(t, core.FrameTypeConfig, kind)
	for i := 0; i < frames; i++ {
		out := owner.next(t)
		assert.Equal(t, []byte{byte(i), 1, 2}, out.Data())
		ts, _ := out.FindInt64(core.KeyTimeUs)
		assert.Equal(t, int64(i)*40_000, ts)
		kind, _ := out.FindString(core.KeyFrameType)
		if i == 0 {
			assert.Equal(t, core.FrameTypeKey, kind)
		} else {
			assert.Equal(t, core.FrameTypeDelta, kind)
		}
	}
	assert.Equal(t, 0, node.WaitCount())
	assert.Equal(t, frames+1, fake.count("release_output"))
}

func TestEncodeSurfaceFullIsBackpressure(t *testing.T) {
	node, _ := newActiveEncoder(t, newOwnerRecorder(), rawConfig(320, 240))
	size := core.FormatNV12.FrameSize(320, 240)
	for i := 0; i < 8; i++ {
		require.NoError(t, node.ProcessData(frame(size)))
	}
	assert.ErrorIs(t, node.ProcessData(frame(size)), core.ErrIndexOverflow)
}

func TestEncodeOnErrorNotifiesOwner(t *testing.T) {
	owner := &mockOwner{}
	owner.On("OnError", core.ErrorPipelineEncoder).Once()
	node, fake := newActiveEncoder(t, owner, rawConfig(640, 480))

	fake.cb.OnError(codec.ErrorInternal, -1)

	owner.AssertExpectations(t)
	assert.Equal(t, 1, fake.count("flush"))
	assert.Equal(t, 1, fake.count("stop"))
	assert.ErrorIs(t, node.ProcessData(frame(16)), core.ErrDisableProcess)

	node.ReleaseProcessNode()
	node.ReleaseProcessNode()
	assert.Equal(t, 1, fake.count("release"))
}

func TestEncodeTeardownRace(t *testing.T) {
	node, fake := newActiveEncoder(t, newOwnerRecorder(), rawConfig(320, 240))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var unexpected []error
	// each worker drains after every submit, so at most four frames sit in the surface
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := node.ProcessData(frame(128))
				fake.drainInput()
				if err != nil && !errors.Is(err, core.ErrDisableProcess) {
					mu.Lock()
					unexpected = append(unexpected, err)
					mu.Unlock()
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	node.ReleaseProcessNode()
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, StateReleased, node.State())
	assert.ErrorIs(t, node.ProcessData(frame(128)), core.ErrDisableProcess)
	assert.Equal(t, 1, fake.count("release"))
}
