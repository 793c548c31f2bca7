// Package core defines the value types shared by the codec pipeline with zero external dependencies.
package core

import "fmt"

// VideoCodecType identifies the codec of a stream. CodecNone means raw pixels.
type VideoCodecType int

const (
	CodecNone VideoCodecType = iota
	CodecH264
	CodecH265
	CodecMPEG4
)

func (c VideoCodecType) String() string {
	switch c {
	case CodecNone:
		return "NO_CODEC"
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecMPEG4:
		return "MPEG4"
	default:
		return "Unknown"
	}
}

// MimeType returns the codec MIME used to create platform codecs.
func (c VideoCodecType) MimeType() string {
	switch c {
	case CodecH264:
		return "video/avc"
	case CodecH265:
		return "video/hevc"
	case CodecMPEG4:
		return "video/mp4v-es"
	default:
		return ""
	}
}

// ParseVideoCodecType parses names such as "h264" or "NO_CODEC".
func ParseVideoCodecType(s string) (VideoCodecType, error) {
	switch s {
	case "none", "NO_CODEC", "raw":
		return CodecNone, nil
	case "h264", "H264", "avc":
		return CodecH264, nil
	case "h265", "H265", "hevc":
		return CodecH265, nil
	case "mpeg4", "MPEG4":
		return CodecMPEG4, nil
	default:
		return CodecNone, fmt.Errorf("%w: unknown codec %q", ErrBadValue, s)
	}
}

// VideoFormat is the pixel layout of raw frames.
type VideoFormat int

const (
	FormatYUVI420 VideoFormat = iota
	FormatNV12
	FormatNV21
	FormatRGBA8888
)

func (f VideoFormat) String() string {
	switch f {
	case FormatYUVI420:
		return "YUVI420"
	case FormatNV12:
		return "NV12"
	case FormatNV21:
		return "NV21"
	case FormatRGBA8888:
		return "RGBA_8888"
	default:
		return "Unknown"
	}
}

// ParseVideoFormat parses names such as "nv12" or "RGBA_8888".
func ParseVideoFormat(s string) (VideoFormat, error) {
	switch s {
	case "i420", "YUVI420":
		return FormatYUVI420, nil
	case "nv12", "NV12":
		return FormatNV12, nil
	case "nv21", "NV21":
		return FormatNV21, nil
	case "rgba", "RGBA_8888":
		return FormatRGBA8888, nil
	default:
		return FormatNV12, fmt.Errorf("%w: unknown video format %q", ErrBadValue, s)
	}
}

// FrameSize returns the byte size of one tightly packed frame.
func (f VideoFormat) FrameSize(width, height int) int {
	switch f {
	case FormatRGBA8888:
		return width * height * RGB32MemoryCoefficient
	default:
		return width * height * YUVBytesPerPixel / Y2UVRatio
	}
}

// Supported ranges and buffer limits.
const (
	MinVideoWidth  = 320
	MinVideoHeight = 240
	MaxVideoWidth  = 1920
	MaxVideoHeight = 1080
	MinFrameRate   = 0
	MaxFrameRate   = 30

	YUVBytesPerPixel       = 3
	Y2UVRatio              = 2
	RGB32MemoryCoefficient = 4

	// MaxYUV420BufferSize bounds a single NV12 input, leaving headroom for 2x bitstreams.
	MaxYUV420BufferSize = MaxVideoWidth * MaxVideoHeight * YUVBytesPerPixel / Y2UVRatio * 2
	MaxRGB32BufferSize  = MaxVideoWidth * MaxVideoHeight * RGB32MemoryCoefficient

	// BufferMaxSize bounds any surface or codec output buffer.
	BufferMaxSize       = 50 * 1024 * 1024
	AlignedWidthMaxSize = 10000
	heightAlignment     = 32
)

// AlignedHeight rounds height up to the codec's row alignment.
func AlignedHeight(height int) int {
	if height%heightAlignment == 0 {
		return height
	}
	return (height/heightAlignment + 1) * heightAlignment
}

// VideoConfigParams describes one stream. It is a value: renegotiation produces a new one.
type VideoConfigParams struct {
	codecType VideoCodecType
	format    VideoFormat
	frameRate int
	width     int
	height    int
}

// NewVideoConfigParams builds a stream description.
func NewVideoConfigParams(codec VideoCodecType, format VideoFormat, frameRate, width, height int) VideoConfigParams {
	return VideoConfigParams{
		codecType: codec,
		format:    format,
		frameRate: frameRate,
		width:     width,
		height:    height,
	}
}

func (p VideoConfigParams) CodecType() VideoCodecType { return p.codecType }
func (p VideoConfigParams) Format() VideoFormat       { return p.format }
func (p VideoConfigParams) FrameRate() int            { return p.frameRate }
func (p VideoConfigParams) Width() int                { return p.width }
func (p VideoConfigParams) Height() int               { return p.height }

// WithCodecType returns a copy with a different codec.
func (p VideoConfigParams) WithCodecType(c VideoCodecType) VideoConfigParams {
	p.codecType = c
	return p
}

// WithFormat returns a copy with a different pixel format.
func (p VideoConfigParams) WithFormat(f VideoFormat) VideoConfigParams {
	p.format = f
	return p
}

// InRange reports whether resolution and frame rate are within the supported bounds.
func (p VideoConfigParams) InRange() bool {
	return p.width >= MinVideoWidth && p.width <= MaxVideoWidth &&
		p.height >= MinVideoHeight && p.height <= MaxVideoHeight &&
		p.frameRate >= MinFrameRate && p.frameRate <= MaxFrameRate
}

func (p VideoConfigParams) String() string {
	return fmt.Sprintf("%s/%s %dx%d@%d", p.codecType, p.format, p.width, p.height, p.frameRate)
}
