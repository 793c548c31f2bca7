package core

import (
	"fmt"
	"maps"
)

// DataBuffer is a frame-sized byte container with a settable window and typed
// metadata. A buffer has one owner at a time: a stage either forwards it or
// copies what it needs into a new buffer.
type DataBuffer struct {
	data   []byte
	offset int
	size   int
	meta   map[string]metaValue
}

// NewDataBuffer allocates a zeroed buffer of capacity bytes with the full range selected.
func NewDataBuffer(capacity int) *DataBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &DataBuffer{
		data: make([]byte, capacity),
		size: capacity,
	}
}

// WrapDataBuffer takes ownership of b without copying.
func WrapDataBuffer(b []byte) *DataBuffer {
	return &DataBuffer{data: b, size: len(b)}
}

// Data returns the selected range.
func (b *DataBuffer) Data() []byte { return b.data[b.offset : b.offset+b.size] }

// Size returns the length of the selected range.
func (b *DataBuffer) Size() int { return b.size }

// Offset returns the start of the selected range.
func (b *DataBuffer) Offset() int { return b.offset }

// Capacity returns the size of the underlying allocation.
func (b *DataBuffer) Capacity() int { return len(b.data) }

// SetRange selects [offset, offset+size) of the underlying allocation.
func (b *DataBuffer) SetRange(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > len(b.data) {
		return fmt.Errorf("%w: range [%d,+%d) exceeds capacity %d", ErrBadValue, offset, size, len(b.data))
	}
	b.offset = offset
	b.size = size
	return nil
}

func (b *DataBuffer) set(key string, v metaValue) {
	if b.meta == nil {
		b.meta = make(map[string]metaValue)
	}
	b.meta[key] = v
}

func (b *DataBuffer) SetInt32(key string, v int32)   { b.set(key, metaValue{kind: metaInt32, i32: v}) }
func (b *DataBuffer) SetInt64(key string, v int64)   { b.set(key, metaValue{kind: metaInt64, i64: v}) }
func (b *DataBuffer) SetString(key string, v string) { b.set(key, metaValue{kind: metaString, str: v}) }

// FindInt32 returns the int32 stored under key. A value of another type is not found.
func (b *DataBuffer) FindInt32(key string) (int32, bool) {
	v, ok := b.meta[key]
	if !ok || v.kind != metaInt32 {
		return 0, false
	}
	return v.i32, true
}

// FindInt64 returns the int64 stored under key.
func (b *DataBuffer) FindInt64(key string) (int64, bool) {
	v, ok := b.meta[key]
	if !ok || v.kind != metaInt64 {
		return 0, false
	}
	return v.i64, true
}

// FindString returns the string stored under key.
func (b *DataBuffer) FindString(key string) (string, bool) {
	v, ok := b.meta[key]
	if !ok || v.kind != metaString {
		return "", false
	}
	return v.str, true
}

// MetaLen returns the number of metadata entries.
func (b *DataBuffer) MetaLen() int { return len(b.meta) }

// CopyMetaFrom copies every metadata entry of src that b does not already hold.
func (b *DataBuffer) CopyMetaFrom(src *DataBuffer) {
	if src == nil || len(src.meta) == 0 {
		return
	}
	if b.meta == nil {
		b.meta = make(map[string]metaValue, len(src.meta))
	}
	for k, v := range src.meta {
		if _, exists := b.meta[k]; !exists {
			b.meta[k] = v
		}
	}
}

// Clone returns a deep copy of the selected range and all metadata.
func (b *DataBuffer) Clone() *DataBuffer {
	out := NewDataBuffer(b.size)
	copy(out.data, b.Data())
	if b.meta != nil {
		out.meta = maps.Clone(b.meta)
	}
	return out
}
