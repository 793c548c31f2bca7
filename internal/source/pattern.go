package source

import (
	"bytes"
	"io"

	"firestige.xyz/dcamera/internal/core"
)

// PatternSource generates a deterministic moving gradient so receivers can
// verify frames bit for bit.
type PatternSource struct {
	params core.VideoConfigParams
	limit  int
	seq    int
}

// NewPatternSource creates a generator of limit frames, or an endless one when limit is 0.
func NewPatternSource(params core.VideoConfigParams, limit int) (*PatternSource, error) {
	if err := checkRaw(params); err != nil {
		return nil, err
	}
	return &PatternSource{params: params, limit: limit}, nil
}

func (s *PatternSource) Next() (*core.DataBuffer, error) {
	if s.limit > 0 && s.seq >= s.limit {
		return nil, io.EOF
	}
	buf := s.Frame(s.seq)
	s.seq++
	return buf, nil
}

func (s *PatternSource) Close() error { return nil }

// Frame renders frame seq tagged with its presentation time.
func (s *PatternSource) Frame(seq int) *core.DataBuffer {
	w, h := s.params.Width(), s.params.Height()
	buf := core.NewDataBuffer(s.params.Format().FrameSize(w, h))
	fillPattern(buf.Data(), s.params.Format(), w, h, seq)
	buf.SetInt64(core.KeyTimeUs, frameTimeUs(seq, s.params.FrameRate()))
	buf.SetInt32(core.KeyIndex, int32(seq))
	return buf
}

// Check reports whether a decoded frame matches the pattern for its timestamp.
func (s *PatternSource) Check(buf *core.DataBuffer) (seq int, ok bool) {
	timeUs, found := buf.FindInt64(core.KeyTimeUs)
	if !found {
		return -1, false
	}
	rate := int64(s.params.FrameRate())
	seq = int((timeUs*rate + secondUs/2) / secondUs)
	if seq < 0 || frameTimeUs(seq, s.params.FrameRate()) != timeUs {
		return -1, false
	}
	want := s.Frame(seq)
	return seq, bytes.Equal(want.Data(), buf.Data())
}

func fillPattern(data []byte, format core.VideoFormat, w, h, seq int) {
	if format == core.FormatRGBA8888 {
		for y := 0; y < h; y++ {
			row := data[y*w*core.RGB32MemoryCoefficient:]
			for x := 0; x < w; x++ {
				px := row[x*core.RGB32MemoryCoefficient:]
				px[0] = byte(x + seq)
				px[1] = byte(y + seq)
				px[2] = byte(seq)
				px[3] = 0xff
			}
		}
		return
	}

	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		for x := range row {
			row[x] = byte(x + y + seq)
		}
	}
	chroma := data[w*h:]
	for i := 0; i+1 < len(chroma); i += 2 {
		chroma[i] = byte(0x80 + seq)
		chroma[i+1] = byte(0x80 - seq)
	}
}
