// Package core defines core types.
package core

// Metadata keys attached to DataBuffers by pipeline nodes.
const (
	KeyTimeUs        = "timeUs"
	KeyVideoFormat   = "Videoformat"
	KeyAlignedWidth  = "alignedWidth"
	KeyAlignedHeight = "alignedHeight"
	KeyWidth         = "width"
	KeyHeight        = "height"
	KeyFrameType     = "frameType"
	KeyIndex         = "index"
	KeyCodecType     = "codecType"
)

// Frame types recorded under KeyFrameType by the encoder.
const (
	FrameTypeKey    = "key"
	FrameTypeDelta  = "delta"
	FrameTypeConfig = "config"
)

type metaKind uint8

const (
	metaInt32 metaKind = iota + 1
	metaInt64
	metaString
)

// metaValue is a tagged scalar: exactly one of the fields is meaningful.
type metaValue struct {
	kind metaKind
	i32  int32
	i64  int64
	str  string
}
