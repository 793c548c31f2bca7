// Package source produces raw frames for the sink side of the pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"firestige.xyz/dcamera/internal/core"
)

// Source yields raw frames in presentation order. Next returns io.EOF after the last frame.
type Source interface {
	Next() (*core.DataBuffer, error)
	Close() error
}

// checkRaw accepts the raw layouts the software encoder takes.
func checkRaw(params core.VideoConfigParams) error {
	if params.CodecType() != core.CodecNone {
		return fmt.Errorf("%w: source frames must be raw, got %s", core.ErrBadType, params.CodecType())
	}
	if f := params.Format(); f != core.FormatNV12 && f != core.FormatNV21 && f != core.FormatRGBA8888 {
		return fmt.Errorf("%w: unsupported source format %s", core.ErrBadType, f)
	}
	if !params.InRange() || params.FrameRate() <= 0 {
		return fmt.Errorf("%w: source %s out of range", core.ErrBadValue, params)
	}
	return nil
}

const secondUs = int64(time.Second / time.Microsecond)

// frameTimeUs is the presentation time of frame seq at the given rate.
func frameTimeUs(seq, frameRate int) int64 {
	return int64(seq) * secondUs / int64(frameRate)
}

// Pump paces frames from src at frameRate and hands each to emit. It stops at
// the end of the source, on the first emit error, or when ctx is done, and
// returns the number of frames emitted.
func Pump(ctx context.Context, src Source, frameRate int, emit func(*core.DataBuffer) error) (int, error) {
	if frameRate <= 0 {
		return 0, fmt.Errorf("%w: frame rate %d", core.ErrBadValue, frameRate)
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	sent := 0
	for {
		buf, err := src.Next()
		if errors.Is(err, io.EOF) {
			slog.Debug("source exhausted", "frames", sent)
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if err := emit(buf); err != nil {
			return sent, err
		}
		sent++

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}
}
