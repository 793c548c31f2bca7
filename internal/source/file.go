package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"firestige.xyz/dcamera/internal/core"
)

// FileSource reads tightly packed raw frames back to back from a file.
type FileSource struct {
	path   string
	params core.VideoConfigParams
	file   *os.File
	seq    int
}

// NewFileSource opens path for frames described by params.
func NewFileSource(path string, params core.VideoConfigParams) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", core.ErrBadValue)
	}
	if err := checkRaw(params); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame file %s: %w", path, err)
	}
	return &FileSource{path: path, params: params, file: f}, nil
}

func (s *FileSource) Next() (*core.DataBuffer, error) {
	if s.file == nil {
		return nil, fmt.Errorf("%w: file source closed", core.ErrBadOperate)
	}
	buf := core.NewDataBuffer(s.params.Format().FrameSize(s.params.Width(), s.params.Height()))
	if _, err := io.ReadFull(s.file, buf.Data()); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame %d in %s", core.ErrBadValue, s.seq, s.path)
		}
		return nil, err
	}
	buf.SetInt64(core.KeyTimeUs, frameTimeUs(s.seq, s.params.FrameRate()))
	buf.SetInt32(core.KeyIndex, int32(s.seq))
	s.seq++
	return buf, nil
}

func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
