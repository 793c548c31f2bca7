// Package codec models the platform video codec API the pipeline nodes drive:
// callback-driven decoders and encoders, buffer-queue surfaces and a MIME
// keyed factory. A goroutine-backed software codec stands in for vendor
// hardware.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidState    = errors.New("codec: invalid state")
	ErrInvalidIndex    = errors.New("codec: invalid buffer index")
	ErrNoBuffer        = errors.New("codec: no buffer available")
	ErrUnsupportedMime = errors.New("codec: unsupported mime")
	ErrBufferTooLarge  = errors.New("codec: buffer too large")
	ErrBitstream       = errors.New("codec: malformed bitstream")
)

// BufferFlag marks a codec buffer.
type BufferFlag uint32

const (
	FlagNone         BufferFlag = 0
	FlagEOS          BufferFlag = 1 << 0
	FlagSyncFrame    BufferFlag = 1 << 1
	FlagPartialFrame BufferFlag = 1 << 2
	FlagCodecData    BufferFlag = 1 << 3
)

// Has reports whether all bits of other are set.
func (f BufferFlag) Has(other BufferFlag) bool { return f&other == other && other != 0 }

// BufferInfo describes the payload of one input or output buffer.
type BufferInfo struct {
	PresentationTimeUs int64
	Size               int32
	Offset             int32
}

// ErrorType classifies asynchronous codec failures.
type ErrorType int

const (
	ErrorInternal ErrorType = iota
	ErrorUnsupported
	ErrorBitstream
)

func (e ErrorType) String() string {
	switch e {
	case ErrorInternal:
		return "internal"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorBitstream:
		return "bitstream"
	default:
		return "unknown"
	}
}

// Callback receives codec events. Codecs invoke it from their own goroutines.
type Callback interface {
	OnError(errType ErrorType, code int32)
	OnOutputFormatChanged(format *Format)
	OnInputBufferAvailable(index uint32)
	OnOutputBufferAvailable(index uint32, info BufferInfo, flag BufferFlag)
}

// VideoDecoder turns a compressed stream into frames rendered on an output surface.
type VideoDecoder interface {
	SetCallback(cb Callback) error
	Configure(format *Format) error
	SetOutputSurface(surface *ProducerSurface) error
	Prepare() error
	Start() error
	Flush() error
	Stop() error
	Release() error
	// GetInputBuffer returns the shared memory of an input slot handed out by OnInputBufferAvailable.
	GetInputBuffer(index uint32) ([]byte, error)
	QueueInputBuffer(index uint32, info BufferInfo, flag BufferFlag) error
	// ReleaseOutputBuffer returns an output slot, rendering it to the output surface when render is set.
	ReleaseOutputBuffer(index uint32, render bool) error
}

// VideoEncoder turns frames written to its input surface into a compressed stream.
type VideoEncoder interface {
	SetCallback(cb Callback) error
	Configure(format *Format) error
	CreateInputSurface() (*ProducerSurface, error)
	Prepare() error
	Start() error
	Flush() error
	Stop() error
	Release() error
	GetOutputBuffer(index uint32) ([]byte, error)
	ReleaseOutputBuffer(index uint32) error
}

// DecoderFactory creates a decoder for a MIME type.
type DecoderFactory func(mime string) (VideoDecoder, error)

// EncoderFactory creates an encoder for a MIME type.
type EncoderFactory func(mime string) (VideoEncoder, error)

var (
	registryMu sync.RWMutex
	decoders   = make(map[string]DecoderFactory)
	encoders   = make(map[string]EncoderFactory)
)

func init() {
	dec := NewSoftDecoderFactory(DefaultSoftOptions())
	enc := NewSoftEncoderFactory(DefaultSoftOptions())
	for _, mime := range SoftMimeTypes() {
		RegisterDecoder(mime, dec)
		RegisterEncoder(mime, enc)
	}
}

// RegisterDecoder installs factory for mime, replacing any previous one.
func RegisterDecoder(mime string, factory DecoderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	decoders[mime] = factory
}

// RegisterEncoder installs factory for mime, replacing any previous one.
func RegisterEncoder(mime string, factory EncoderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	encoders[mime] = factory
}

// CreateDecoderByMime creates a decoder from the registered factory.
func CreateDecoderByMime(mime string) (VideoDecoder, error) {
	registryMu.RLock()
	factory, ok := decoders[mime]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: decoder %q", ErrUnsupportedMime, mime)
	}
	return factory(mime)
}

// CreateEncoderByMime creates an encoder from the registered factory.
func CreateEncoderByMime(mime string) (VideoEncoder, error) {
	registryMu.RLock()
	factory, ok := encoders[mime]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: encoder %q", ErrUnsupportedMime, mime)
	}
	return factory(mime)
}
