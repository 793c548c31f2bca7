package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDataBufferRange(t *testing.T) {
	b := NewDataBuffer(16)
	if b.Size() != 16 || b.Capacity() != 16 || b.Offset() != 0 {
		t.Fatalf("unexpected initial range: size=%d cap=%d off=%d", b.Size(), b.Capacity(), b.Offset())
	}

	for i := range b.Data() {
		b.Data()[i] = byte(i)
	}

	if err := b.SetRange(4, 8); err != nil {
		t.Fatalf("SetRange(4, 8) failed: %v", err)
	}
	if got := b.Data(); len(got) != 8 || got[0] != 4 || got[7] != 11 {
		t.Errorf("unexpected window: %v", got)
	}

	t.Run("exact capacity", func(t *testing.T) {
		if err := b.SetRange(8, 8); err != nil {
			t.Errorf("SetRange(8, 8) should fit capacity 16: %v", err)
		}
	})

	t.Run("overflow", func(t *testing.T) {
		err := b.SetRange(9, 8)
		if !errors.Is(err, ErrBadValue) {
			t.Errorf("expected ErrBadValue, got %v", err)
		}
		if b.Offset() != 8 || b.Size() != 8 {
			t.Errorf("failed SetRange must not change the window")
		}
	})

	t.Run("negative", func(t *testing.T) {
		if err := b.SetRange(-1, 2); !errors.Is(err, ErrBadValue) {
			t.Errorf("expected ErrBadValue, got %v", err)
		}
	})
}

func TestDataBufferMetadata(t *testing.T) {
	b := NewDataBuffer(0)

	b.SetInt32(KeyWidth, 640)
	b.SetInt64(KeyTimeUs, 1234567)
	b.SetString(KeyFrameType, FrameTypeKey)

	if v, ok := b.FindInt32(KeyWidth); !ok || v != 640 {
		t.Errorf("FindInt32 = %d, %v", v, ok)
	}
	if v, ok := b.FindInt64(KeyTimeUs); !ok || v != 1234567 {
		t.Errorf("FindInt64 = %d, %v", v, ok)
	}
	if v, ok := b.FindString(KeyFrameType); !ok || v != FrameTypeKey {
		t.Errorf("FindString = %q, %v", v, ok)
	}

	// Typed lookups do not coerce.
	if _, ok := b.FindInt64(KeyWidth); ok {
		t.Error("int32 value must not be found as int64")
	}
	if _, ok := b.FindInt32("missing"); ok {
		t.Error("missing key must not be found")
	}

	// Overwrite replaces the tag as well as the value.
	b.SetString(KeyWidth, "wide")
	if _, ok := b.FindInt32(KeyWidth); ok {
		t.Error("overwritten key must lose its old type")
	}
}

func TestDataBufferCloneAndCopyMeta(t *testing.T) {
	src := WrapDataBuffer([]byte{1, 2, 3, 4})
	src.SetInt64(KeyTimeUs, 42)
	_ = src.SetRange(1, 2)

	c := src.Clone()
	if c.Size() != 2 || c.Data()[0] != 2 {
		t.Fatalf("clone must copy the selected range, got %v", c.Data())
	}
	c.Data()[0] = 99
	if src.Data()[0] != 2 {
		t.Error("clone must not alias the source")
	}
	if v, _ := c.FindInt64(KeyTimeUs); v != 42 {
		t.Error("clone must copy metadata")
	}

	dst := NewDataBuffer(1)
	dst.SetInt64(KeyTimeUs, 7)
	src.SetString("custom", "x")
	dst.CopyMetaFrom(src)
	if v, _ := dst.FindInt64(KeyTimeUs); v != 7 {
		t.Errorf("CopyMetaFrom must keep existing keys, got %d", v)
	}
	if v, _ := dst.FindString("custom"); v != "x" {
		t.Errorf("CopyMetaFrom must add missing keys, got %q", v)
	}
}

func TestVideoConfigParams(t *testing.T) {
	p := NewVideoConfigParams(CodecH264, FormatNV12, 30, 1920, 1080)
	if !p.InRange() {
		t.Errorf("%s should be in range", p)
	}

	q := p.WithCodecType(CodecNone)
	if p.CodecType() != CodecH264 || q.CodecType() != CodecNone {
		t.Error("WithCodecType must not mutate the receiver")
	}

	tests := []struct {
		name string
		p    VideoConfigParams
		want bool
	}{
		{"min", NewVideoConfigParams(CodecNone, FormatNV12, 0, 320, 240), true},
		{"narrow", NewVideoConfigParams(CodecNone, FormatNV12, 30, 319, 240), false},
		{"short", NewVideoConfigParams(CodecNone, FormatNV12, 30, 320, 239), false},
		{"wide", NewVideoConfigParams(CodecNone, FormatNV12, 30, 1921, 1080), false},
		{"tall", NewVideoConfigParams(CodecNone, FormatNV12, 30, 1920, 1081), false},
		{"fast", NewVideoConfigParams(CodecNone, FormatNV12, 31, 640, 480), false},
		{"negative rate", NewVideoConfigParams(CodecNone, FormatNV12, -1, 640, 480), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.InRange(); got != tt.want {
				t.Errorf("InRange(%s) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestAlignedHeight(t *testing.T) {
	for in, want := range map[int]int{240: 256, 256: 256, 360: 384, 480: 480, 1080: 1088} {
		if got := AlignedHeight(in); got != want {
			t.Errorf("AlignedHeight(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestFrameSize(t *testing.T) {
	if got := FormatNV12.FrameSize(640, 480); got != 640*480*3/2 {
		t.Errorf("NV12 frame size = %d", got)
	}
	if got := FormatRGBA8888.FrameSize(640, 480); got != 640*480*4 {
		t.Errorf("RGBA frame size = %d", got)
	}
}

func TestErrorKind(t *testing.T) {
	wrapped := fmt.Errorf("%w: queue at 1000", ErrIndexOverflow)
	if got := ErrorKind(wrapped); got != "index_overflow" {
		t.Errorf("ErrorKind(wrapped) = %q", got)
	}
	if got := ErrorKind(nil); got != "ok" {
		t.Errorf("ErrorKind(nil) = %q", got)
	}
	if got := ErrorKind(errors.New("other")); got != "unknown" {
		t.Errorf("ErrorKind(other) = %q", got)
	}
}

func TestParse(t *testing.T) {
	if c, err := ParseVideoCodecType("h265"); err != nil || c != CodecH265 {
		t.Errorf("ParseVideoCodecType(h265) = %v, %v", c, err)
	}
	if _, err := ParseVideoCodecType("vp8"); !errors.Is(err, ErrBadValue) {
		t.Errorf("expected ErrBadValue, got %v", err)
	}
	if f, err := ParseVideoFormat("rgba"); err != nil || f != FormatRGBA8888 {
		t.Errorf("ParseVideoFormat(rgba) = %v, %v", f, err)
	}
	if CodecMPEG4.MimeType() != "video/mp4v-es" || CodecNone.MimeType() != "" {
		t.Error("unexpected MIME mapping")
	}
}
