package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"
)

// The payload encoding is little-endian and moves vector data as raw
// slice memory, so it only runs on little-endian hosts. Snapshots stay
// byte-compatible across such platforms.
func init() {
	probe := uint16(1)
	if *(*byte)(unsafe.Pointer(&probe)) != 1 {
		panic("snapshot: big-endian platforms are not supported")
	}
}

// maxIdentityLen bounds decoded identity strings so a corrupt length
// field cannot trigger a huge allocation before checksum verification.
const maxIdentityLen = 1 << 16

// encoder writes little-endian scalars and raw slice data to a stream.
// Vector slices go out through unsafe casts without copying.
type encoder struct {
	w       io.Writer
	scratch [8]byte
}

func (e *encoder) uint8(v uint8) error {
	e.scratch[0] = v
	_, err := e.w.Write(e.scratch[:1])
	return err
}

func (e *encoder) bool(v bool) error {
	if v {
		return e.uint8(1)
	}
	return e.uint8(0)
}

func (e *encoder) uint32(v uint32) error {
	binary.LittleEndian.PutUint32(e.scratch[:4], v)
	_, err := e.w.Write(e.scratch[:4])
	return err
}

func (e *encoder) uint64(v uint64) error {
	binary.LittleEndian.PutUint64(e.scratch[:8], v)
	_, err := e.w.Write(e.scratch[:8])
	return err
}

func (e *encoder) str(s string) error {
	if len(s) > maxIdentityLen {
		return fmt.Errorf("identity length %d exceeds limit %d", len(s), maxIdentityLen)
	}
	if err := e.uint32(uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *encoder) float32s(v []float32) error {
	if len(v) == 0 {
		return nil
	}
	if err := validateAlignment(unsafe.Pointer(&v[0]), 4); err != nil {
		return err
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
	_, err := e.w.Write(raw)
	return err
}

func (e *encoder) uint64s(v []uint64) error {
	if len(v) == 0 {
		return nil
	}
	if err := validateAlignment(unsafe.Pointer(&v[0]), 8); err != nil {
		return err
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
	_, err := e.w.Write(raw)
	return err
}

// decoder mirrors encoder. Slice reads allocate their result and fill it
// with a single io.ReadFull through the same unsafe cast.
type decoder struct {
	r       io.Reader
	scratch [8]byte
}

func (d *decoder) uint8() (uint8, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:1]); err != nil {
		return 0, err
	}
	return d.scratch[0], nil
}

func (d *decoder) bool() (bool, error) {
	v, err := d.uint8()
	return v != 0, err
}

func (d *decoder) uint32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.scratch[:4]), nil
}

func (d *decoder) uint64() (uint64, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.scratch[:8]), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if n > maxIdentityLen {
		return "", fmt.Errorf("identity length %d exceeds limit %d", n, maxIdentityLen)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *decoder) float32s(count int) ([]float32, error) {
	if count == 0 {
		return nil, nil
	}
	v := make([]float32, count)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), count*4)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *decoder) uint64s(count int) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	v := make([]uint64, count)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), count*8)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return nil, err
	}
	return v, nil
}

func validateAlignment(ptr unsafe.Pointer, align uintptr) error {
	if uintptr(ptr)%align != 0 {
		return fmt.Errorf("slice data not %d-byte aligned", align)
	}
	return nil
}
