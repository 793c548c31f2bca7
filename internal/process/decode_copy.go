package process

import (
	"fmt"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
)

// decodeProfile is the per codec family part of decoding: what the decoder
// emits and how a decoded surface buffer becomes a DataBuffer.
type decodeProfile struct {
	name         string
	outputFormat core.VideoFormat
	maxInputSize int
	copyImage    func(sb *codec.SurfaceBuffer, width, height int) (*core.DataBuffer, error)
}

var (
	// H.264/H.265 decode to NV12 with stride and row alignment padding.
	yuvDecodeProfile = decodeProfile{
		name:         "yuv",
		outputFormat: core.FormatNV12,
		maxInputSize: core.MaxYUV420BufferSize,
		copyImage:    copyNV12Image,
	}
	// MPEG4 decodes to packed RGBA.
	rgbDecodeProfile = decodeProfile{
		name:         "rgb",
		outputFormat: core.FormatRGBA8888,
		maxInputSize: core.MaxRGB32BufferSize,
		copyImage:    copyRGBAImage,
	}
)

func profileFor(c core.VideoCodecType) decodeProfile {
	if c == core.CodecMPEG4 {
		return rgbDecodeProfile
	}
	return yuvDecodeProfile
}

// imageUnitInfo describes one image laid out in memory.
type imageUnitInfo struct {
	width         int
	height        int
	alignedWidth  int
	alignedHeight int
	chromaOffset  int
	imgSize       int
	data          []byte
}

func (i imageUnitInfo) valid() bool {
	if i.width <= 0 || i.height <= 0 || i.alignedWidth < i.width || i.alignedHeight < i.height {
		return false
	}
	if i.chromaOffset < i.alignedWidth*i.height {
		return false
	}
	need := i.chromaOffset + i.alignedWidth*i.height/core.Y2UVRatio
	return i.imgSize >= need && len(i.data) >= i.imgSize
}

func checkCopyImageInfo(src, dst imageUnitInfo) error {
	if !src.valid() || !dst.valid() {
		return fmt.Errorf("%w: invalid image unit", core.ErrMemoryOpt)
	}
	if src.width != dst.width || src.height != dst.height {
		return fmt.Errorf("%w: image %dx%d into %dx%d", core.ErrMemoryOpt, src.width, src.height, dst.width, dst.height)
	}
	return nil
}

// copyYUVPlaneByRow copies the Y rows then the interleaved UV rows, each row
// width bytes, from the aligned source into the packed destination.
func copyYUVPlaneByRow(src, dst imageUnitInfo) error {
	if err := checkCopyImageInfo(src, dst); err != nil {
		return err
	}
	for row := 0; row < src.height; row++ {
		s := row * src.alignedWidth
		d := row * dst.alignedWidth
		copy(dst.data[d:d+dst.width], src.data[s:s+src.width])
	}
	for row := 0; row < src.height/core.Y2UVRatio; row++ {
		s := src.chromaOffset + row*src.alignedWidth
		d := dst.chromaOffset + row*dst.alignedWidth
		copy(dst.data[d:d+dst.width], src.data[s:s+src.width])
	}
	return nil
}

func copyNV12Image(sb *codec.SurfaceBuffer, width, height int) (*core.DataBuffer, error) {
	alignedWidth := sb.Stride()
	alignedHeight := core.AlignedHeight(height)
	if sb.Size() > core.BufferMaxSize || alignedWidth > core.AlignedWidthMaxSize {
		return nil, fmt.Errorf("%w: surface size %d stride %d", core.ErrMemoryOpt, sb.Size(), alignedWidth)
	}
	alignedSize := alignedWidth * alignedHeight * core.YUVBytesPerPixel / core.Y2UVRatio
	imageSize := width * height * core.YUVBytesPerPixel / core.Y2UVRatio
	if alignedSize > sb.Size() || imageSize > alignedSize {
		return nil, fmt.Errorf("%w: aligned size %d, image %d, surface %d", core.ErrMemoryOpt, alignedSize, imageSize, sb.Size())
	}

	out := core.NewDataBuffer(imageSize)
	if alignedWidth == width && alignedHeight == height {
		copy(out.Data(), sb.Data()[:imageSize])
	} else {
		src := imageUnitInfo{
			width: width, height: height,
			alignedWidth: alignedWidth, alignedHeight: alignedHeight,
			chromaOffset: alignedWidth * alignedHeight,
			imgSize:      alignedSize,
			data:         sb.Data(),
		}
		dst := imageUnitInfo{
			width: width, height: height,
			alignedWidth: width, alignedHeight: height,
			chromaOffset: width * height,
			imgSize:      imageSize,
			data:         out.Data(),
		}
		if err := copyYUVPlaneByRow(src, dst); err != nil {
			return nil, err
		}
	}
	out.SetInt32(core.KeyAlignedWidth, int32(alignedWidth))
	out.SetInt32(core.KeyAlignedHeight, int32(alignedHeight))
	return out, nil
}

func copyRGBAImage(sb *codec.SurfaceBuffer, width, height int) (*core.DataBuffer, error) {
	rowBytes := width * core.RGB32MemoryCoefficient
	stride := sb.Stride()
	if stride == 0 {
		stride = rowBytes
	}
	imageSize := rowBytes * height
	if stride < rowBytes || sb.Size() < stride*(height-1)+rowBytes || imageSize > core.MaxRGB32BufferSize {
		return nil, fmt.Errorf("%w: rgba surface size %d stride %d for %dx%d", core.ErrMemoryOpt, sb.Size(), stride, width, height)
	}

	out := core.NewDataBuffer(imageSize)
	if stride == rowBytes {
		copy(out.Data(), sb.Data()[:imageSize])
	} else {
		for row := 0; row < height; row++ {
			copy(out.Data()[row*rowBytes:(row+1)*rowBytes], sb.Data()[row*stride:row*stride+rowBytes])
		}
	}
	out.SetInt32(core.KeyAlignedWidth, int32(stride/core.RGB32MemoryCoefficient))
	out.SetInt32(core.KeyAlignedHeight, int32(height))
	return out, nil
}
