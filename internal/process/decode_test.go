package process

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dcamera/internal/core"
	"firestige.xyz/dcamera/internal/eventbus"
)

const (
	cifWidth  = 352
	cifHeight = 288
)

func h264Config(w, h int) core.VideoConfigParams {
	return core.NewVideoConfigParams(core.CodecH264, core.FormatNV12, 30, w, h)
}

func rawConfig(w, h int) core.VideoConfigParams {
	return core.NewVideoConfigParams(core.CodecNone, core.FormatNV12, 30, w, h)
}

// newActiveDecoder returns an initialized H.264 decode node backed by a fakeDecoder.
func newActiveDecoder(t *testing.T, owner PipelineCallback) (*DecodeDataProcess, *fakeDecoder) {
	t.Helper()
	fake := newFakeDecoder()
	var created int
	bus := eventbus.New("test-pipeline")
	t.Cleanup(func() { bus.Close() })
	node := NewDecodeDataProcess(Options{
		Bus:            bus,
		Owner:          NewOwnerRef(owner),
		DecoderFactory: fake.factory(&created),
		RetryBackoff:   time.Millisecond,
	})
	processed, err := node.InitNode(h264Config(cifWidth, cifHeight), rawConfig(cifWidth, cifHeight))
	require.NoError(t, err)
	require.Equal(t, 1, created)
	assert.Equal(t, core.CodecNone, processed.CodecType())
	assert.Equal(t, core.FormatNV12, processed.Format())
	t.Cleanup(node.ReleaseProcessNode)
	return node, fake
}

func TestDecodeInitNodePassThrough(t *testing.T) {
	for _, c := range []core.VideoCodecType{core.CodecNone, core.CodecH264, core.CodecH265, core.CodecMPEG4} {
		t.Run(c.String(), func(t *testing.T) {
			var created int
			owner := newOwnerRecorder()
			node := NewDecodeDataProcess(Options{
				Owner:          NewOwnerRef(owner),
				DecoderFactory: newFakeDecoder().factory(&created),
			})
			source := core.NewVideoConfigParams(c, core.FormatNV12, 15, 640, 480)
			processed, err := node.InitNode(source, source.WithFormat(core.FormatRGBA8888))
			require.NoError(t, err)
			assert.Equal(t, source, processed)
			assert.Equal(t, 0, created)
			assert.Equal(t, StateInitialized, node.State())

			in := frame(8)
			require.NoError(t, node.ProcessData(in))
			assert.Same(t, in[0], owner.next(t))
			assert.Equal(t, StateProcessing, node.State())
			node.ReleaseProcessNode()
		})
	}
}

func TestDecodeInitNodeRejects(t *testing.T) {
	var created int
	node := NewDecodeDataProcess(Options{DecoderFactory: newFakeDecoder().factory(&created)})

	_, err := node.InitNode(h264Config(640, 480), core.NewVideoConfigParams(core.CodecH265, core.FormatNV12, 30, 640, 480))
	assert.ErrorIs(t, err, core.ErrBadType)

	_, err = node.InitNode(h264Config(100, 480), rawConfig(640, 480))
	assert.ErrorIs(t, err, core.ErrBadValue)

	_, err = node.InitNode(h264Config(640, 480), core.NewVideoConfigParams(core.CodecNone, core.FormatNV12, 31, 640, 480))
	assert.ErrorIs(t, err, core.ErrBadValue)

	assert.Equal(t, 0, created)
	assert.Equal(t, StateUninitialized, node.State())
}

func TestDecodeEmptyInput(t *testing.T) {
	node, _ := newActiveDecoder(t, newOwnerRecorder())
	assert.ErrorIs(t, node.ProcessData(nil), core.ErrBadValue)
	assert.ErrorIs(t, node.ProcessData([]*core.DataBuffer{}), core.ErrBadValue)
}

func TestDecodeReleaseTwice(t *testing.T) {
	node, fake := newActiveDecoder(t, newOwnerRecorder())

	node.ReleaseProcessNode()
	node.ReleaseProcessNode()

	assert.Equal(t, 1, fake.count("release"))
	assert.Equal(t, 1, fake.count("stop"))
	assert.Equal(t, StateReleased, node.State())
	assert.ErrorIs(t, node.ProcessData(frame(8)), core.ErrDisableProcess)
}

func TestDecodeBackpressure(t *testing.T) {
	node, _ := newActiveDecoder(t, newOwnerRecorder())

	for i := 0; i < DefaultQueueMax; i++ {
		require.NoError(t, node.ProcessData(frame(16)), "buffer %d", i)
	}
	assert.Equal(t, DefaultQueueMax, node.PendingInputs())
	assert.ErrorIs(t, node.ProcessData(frame(16)), core.ErrIndexOverflow)
	assert.Equal(t, DefaultQueueMax, node.PendingInputs())
}

func TestDecodeSizeBoundary(t *testing.T) {
	node, fake := newActiveDecoder(t, newOwnerRecorder())
	fake.freeInput(0)

	require.NoError(t, node.ProcessData(frame(core.MaxYUV420BufferSize)))
	assert.ErrorIs(t, node.ProcessData(frame(core.MaxYUV420BufferSize+1)), core.ErrMemoryOpt)

	infos := fake.queuedInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, int32(core.MaxYUV420BufferSize), infos[0].Size)
}

func TestDecodeRetryAfterSlotFreed(t *testing.T) {
	node, fake := newActiveDecoder(t, newOwnerRecorder())

	require.NoError(t, node.ProcessData(frame(32)))
	require.NoError(t, node.ProcessData(frame(32)))
	assert.Equal(t, 2, node.PendingInputs())

	fake.freeInput(3)
	fake.freeInput(1)
	require.Eventually(t, func() bool { return len(fake.queuedInfos()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, node.PendingInputs())
	assert.Equal(t, 2, node.WaitCount())
}

func TestDecodeQueueFailureIsRetried(t *testing.T) {
	node, fake := newActiveDecoder(t, newOwnerRecorder())
	fake.failQueue(errors.New("queue input rejected"))
	fake.freeInput(0)

	require.NoError(t, node.ProcessData(frame(32)))
	require.NoError(t, node.ProcessData(frame(32)))
	assert.Equal(t, 2, node.PendingInputs())
	assert.Empty(t, fake.queuedInfos())

	fake.failQueue(nil)
	require.Eventually(t, func() bool { return len(fake.queuedInfos()) == 1 }, 2*time.Second, time.Millisecond)
	fake.freeInput(1)
	require.Eventually(t, func() bool { return len(fake.queuedInfos()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, node.PendingInputs())
	assert.Equal(t, 2, node.WaitCount())
}

func TestDecodeQueueCeilingConcurrent(t *testing.T) {
	const queueMax = 4
	var created int
	bus := eventbus.New("test-pipeline")
	t.Cleanup(func() { bus.Close() })
	node := NewDecodeDataProcess(Options{
		Bus:            bus,
		Owner:          NewOwnerRef(newOwnerRecorder()),
		DecoderFactory: newFakeDecoder().factory(&created),
		QueueMax:       queueMax,
		RetryBackoff:   time.Millisecond,
	})
	_, err := node.InitNode(h264Config(cifWidth, cifHeight), rawConfig(cifWidth, cifHeight))
	require.NoError(t, err)
	t.Cleanup(node.ReleaseProcessNode)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	start := make(chan struct{})
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := node.ProcessData(frame(16))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, core.ErrIndexOverflow)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, queueMax, accepted)
	assert.Equal(t, queueMax, node.PendingInputs())
}

func TestDecodeOutputAndWaitCount(t *testing.T) {
	owner := newOwnerRecorder()
	node, fake := newActiveDecoder(t, owner)

	// one extra input: the decoder holds it back before the first output
	const frames = 4
	for i := 0; i <= frames; i++ {
		fake.freeInput(uint32(i % 2))
		in := core.NewDataBuffer(64)
		in.SetInt64(core.KeyTimeUs, int64(i)*33_000)
		in.SetString("session", "cam-1")
		require.NoError(t, node.ProcessData([]*core.DataBuffer{in}))
	}
	require.Len(t, fake.queuedInfos(), frames+1)
	assert.Equal(t, frames+1, node.WaitCount())

	for i := 1; i <= frames; i++ {
		fake.emitOutput(uint32(i%2), int64(i)*33_000)
	}
	for i := 1; i <= frames; i++ {
		out := owner.next(t)
		ts, ok := out.FindInt64(core.KeyTimeUs)
		require.True(t, ok)
		assert.Equal(t, int64(i)*33_000, ts)

		w, _ := out.FindInt32(core.KeyWidth)
		h, _ := out.FindInt32(core.KeyHeight)
		aw, _ := out.FindInt32(core.KeyAlignedWidth)
		ah, _ := out.FindInt32(core.KeyAlignedHeight)
		vf, _ := out.FindInt32(core.KeyVideoFormat)
		assert.Equal(t, int32(cifWidth), w)
		assert.Equal(t, int32(cifHeight), h)
		assert.Equal(t, int32(384), aw)
		assert.Equal(t, int32(288), ah)
		assert.Equal(t, int32(core.FormatNV12), vf)

		session, ok := out.FindString("session")
		assert.True(t, ok)
		assert.Equal(t, "cam-1", session)

		require.Equal(t, cifWidth*cifHeight*3/2, out.Size())
		data := out.Data()
		assert.Equal(t, byte(0), data[0])
		assert.Equal(t, byte(1), data[cifWidth])
		assert.Equal(t, byte((cifHeight-1)&0xff), data[cifWidth*(cifHeight-1)+cifWidth-1])
		assert.Equal(t, byte(0x80), data[cifWidth*cifHeight])
	}
	assert.Equal(t, 0, node.WaitCount())
}

func TestDecodeOnErrorNotifiesOwner(t *testing.T) {
	owner := &mockOwner{}
	owner.On("OnError", core.ErrorPipelineDecoder).Once()
	node, fake := newActiveDecoder(t, owner)

	fake.callback().OnError(0, -1)
	fake.callback().OnError(0, -1)

	owner.AssertExpectations(t)
	assert.Equal(t, 1, fake.count("stop"))
	assert.ErrorIs(t, node.ProcessData(frame(8)), core.ErrDisableProcess)
}

func TestDecodeTeardownRace(t *testing.T) {
	node, fake := newActiveDecoder(t, newOwnerRecorder())
	fake.freeInput(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var unexpected []error
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := node.ProcessData(frame(128))
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
	assert.ErrorIs(t, node.ProcessData(frame(128)), core.ErrDisableProcess)
	assert.Equal(t, 0, node.PendingInputs())
}

func TestCopyYUVPlaneByRowRejectsMismatch(t *testing.T) {
	src := imageUnitInfo{width: 4, height: 2, alignedWidth: 8, alignedHeight: 2, chromaOffset: 16, imgSize: 24, data: make([]byte, 24)}
	dst := imageUnitInfo{width: 4, height: 4, alignedWidth: 4, alignedHeight: 4, chromaOffset: 16, imgSize: 24, data: make([]byte, 24)}
	assert.ErrorIs(t, copyYUVPlaneByRow(src, dst), core.ErrMemoryOpt)

	dst = imageUnitInfo{width: 4, height: 2, alignedWidth: 4, alignedHeight: 2, chromaOffset: 8, imgSize: 12, data: make([]byte, 12)}
	for i := range src.data {
		src.data[i] = byte(i)
	}
	require.NoError(t, copyYUVPlaneByRow(src, dst))
	assert.Equal(t, []byte{0, 1, 2, 3, 8, 9, 10, 11, 16, 17, 18, 19}, dst.data)
}
