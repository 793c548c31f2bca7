package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dcamera/internal/core"
)

// Bitstream layout of the software codec. Every access unit is a fixed header
// followed by the (optionally compressed) payload.
//
//	magic[4] version kind codec format compression flags width:u16 height:u16 raw:u32 payload:u32
const (
	streamMagic      = "DCVS"
	streamVersion    = 1
	streamHeaderSize = 22

	unitConfig byte = 1
	unitFrame  byte = 2

	unitFlagKey byte = 1 << 0
)

// streamHeader is the decoded header of one access unit.
type streamHeader struct {
	kind        byte
	codec       core.VideoCodecType
	format      core.VideoFormat
	compression compress.Compression
	key         bool
	width       int
	height      int
	rawSize     int
	payloadSize int
}

// ParseCompression maps a config name to a kafka-go compression codec id.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return compress.None, fmt.Errorf("invalid compression type: %s", name)
	}
}

func putHeader(dst []byte, h streamHeader) {
	copy(dst[0:4], streamMagic)
	dst[4] = streamVersion
	dst[5] = h.kind
	dst[6] = byte(h.codec)
	dst[7] = byte(h.format)
	dst[8] = byte(h.compression)
	var flags byte
	if h.key {
		flags |= unitFlagKey
	}
	dst[9] = flags
	binary.BigEndian.PutUint16(dst[10:12], uint16(h.width))
	binary.BigEndian.PutUint16(dst[12:14], uint16(h.height))
	binary.BigEndian.PutUint32(dst[14:18], uint32(h.rawSize))
	binary.BigEndian.PutUint32(dst[18:22], uint32(h.payloadSize))
}

func readHeader(src []byte) (streamHeader, error) {
	var h streamHeader
	if len(src) < streamHeaderSize {
		return h, fmt.Errorf("%w: short unit of %d bytes", ErrBitstream, len(src))
	}
	if string(src[0:4]) != streamMagic {
		return h, fmt.Errorf("%w: bad magic", ErrBitstream)
	}
	if src[4] != streamVersion {
		return h, fmt.Errorf("%w: version %d", ErrBitstream, src[4])
	}
	h.kind = src[5]
	h.codec = core.VideoCodecType(src[6])
	h.format = core.VideoFormat(src[7])
	h.compression = compress.Compression(src[8])
	h.key = src[9]&unitFlagKey != 0
	h.width = int(binary.BigEndian.Uint16(src[10:12]))
	h.height = int(binary.BigEndian.Uint16(src[12:14]))
	h.rawSize = int(binary.BigEndian.Uint32(src[14:18]))
	h.payloadSize = int(binary.BigEndian.Uint32(src[18:22]))

	if h.kind != unitConfig && h.kind != unitFrame {
		return h, fmt.Errorf("%w: unit kind %d", ErrBitstream, h.kind)
	}
	if h.payloadSize > len(src)-streamHeaderSize {
		return h, fmt.Errorf("%w: payload %d exceeds unit", ErrBitstream, h.payloadSize)
	}
	if h.rawSize > core.BufferMaxSize {
		return h, fmt.Errorf("%w: raw size %d", ErrBitstream, h.rawSize)
	}
	return h, nil
}

// encodeUnit writes one access unit carrying raw into a fresh slice.
func encodeUnit(h streamHeader, raw []byte) ([]byte, error) {
	var body bytes.Buffer
	body.Grow(streamHeaderSize + len(raw))
	body.Write(make([]byte, streamHeaderSize))

	codec := h.compression.Codec()
	if codec == nil || len(raw) == 0 {
		h.compression = compress.None
		body.Write(raw)
	} else {
		w := codec.NewWriter(&body)
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, fmt.Errorf("compress %s: %w", codec.Name(), err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress %s: %w", codec.Name(), err)
		}
	}

	out := body.Bytes()
	h.rawSize = len(raw)
	h.payloadSize = len(out) - streamHeaderSize
	putHeader(out[:streamHeaderSize], h)
	return out, nil
}

// decodeUnit parses src and returns its header and decompressed payload.
func decodeUnit(src []byte) (streamHeader, []byte, error) {
	h, err := readHeader(src)
	if err != nil {
		return h, nil, err
	}
	payload := src[streamHeaderSize : streamHeaderSize+h.payloadSize]

	codec := h.compression.Codec()
	if h.compression == compress.None || codec == nil {
		if len(payload) != h.rawSize {
			return h, nil, fmt.Errorf("%w: raw size %d, payload %d", ErrBitstream, h.rawSize, len(payload))
		}
		return h, payload, nil
	}

	r := codec.NewReader(bytes.NewReader(payload))
	defer r.Close()
	raw := make([]byte, h.rawSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, nil, fmt.Errorf("%w: decompress %s: %v", ErrBitstream, codec.Name(), err)
	}
	return h, raw, nil
}
