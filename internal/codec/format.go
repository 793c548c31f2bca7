package codec

import (
	"fmt"
	"maps"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Format keys understood by the codecs in this package.
const (
	KeyCodecMime       = "codec_mime"
	KeyPixelFormat     = "pixel_format"
	KeyMaxInputSize    = "max_input_size"
	KeyWidth           = "width"
	KeyHeight          = "height"
	KeyFrameRate       = "frame_rate"
	KeyBitrate         = "bitrate"
	KeyIFrameInterval  = "i_frame_interval"
	KeyBitrateMode     = "video_encode_bitrate_mode"
	KeyCompression     = "compression"
	KeyStrideAlignment = "stride_alignment"
)

// BitrateMode is the encoder rate-control mode.
type BitrateMode int32

const (
	BitrateModeCBR BitrateMode = iota
	BitrateModeVBR
	BitrateModeCQ
)

// ParseBitrateMode parses "cbr", "vbr" or "cq".
func ParseBitrateMode(s string) (BitrateMode, error) {
	switch strings.ToLower(s) {
	case "cbr":
		return BitrateModeCBR, nil
	case "vbr":
		return BitrateModeVBR, nil
	case "cq":
		return BitrateModeCQ, nil
	default:
		return BitrateModeVBR, fmt.Errorf("invalid bitrate mode: %s", s)
	}
}

// Format is a string-keyed bag of codec parameters.
type Format struct {
	values map[string]any
}

// NewFormat returns an empty format.
func NewFormat() *Format {
	return &Format{values: make(map[string]any)}
}

func (f *Format) PutIntValue(key string, v int32)     { f.values[key] = v }
func (f *Format) PutLongValue(key string, v int64)    { f.values[key] = v }
func (f *Format) PutStringValue(key string, v string) { f.values[key] = v }

// GetIntValue returns the int32 stored under key.
func (f *Format) GetIntValue(key string) (int32, bool) {
	v, ok := f.values[key].(int32)
	return v, ok
}

// GetLongValue returns the int64 stored under key.
func (f *Format) GetLongValue(key string) (int64, bool) {
	v, ok := f.values[key].(int64)
	return v, ok
}

// GetStringValue returns the string stored under key.
func (f *Format) GetStringValue(key string) (string, bool) {
	v, ok := f.values[key].(string)
	return v, ok
}

// Len returns the number of keys.
func (f *Format) Len() int { return len(f.values) }

// Clone returns an independent copy.
func (f *Format) Clone() *Format {
	return &Format{values: maps.Clone(f.values)}
}

// Decode fills out, a pointer to a struct with mapstructure tags, from the format.
func (f *Format) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create format decoder: %w", err)
	}
	if err := dec.Decode(f.values); err != nil {
		return fmt.Errorf("decode format: %w", err)
	}
	return nil
}
