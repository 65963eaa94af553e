package snapshot

import "errors"

const (
	// Magic identifies snapshot blobs (ASCII "FMSN").
	Magic = 0x464D534E
	// FooterMagic seals the end of a snapshot (ASCII "NSMF").
	FooterMagic = 0x4E534D46
	// Version is the current snapshot format version.
	Version = 1

	headerSize = 64
	footerSize = 8
)

var (
	// ErrInvalidMagic is returned when a blob does not start with the
	// snapshot magic.
	ErrInvalidMagic = errors.New("invalid snapshot magic")

	// ErrInvalidVersion is returned for snapshot versions this build
	// cannot read.
	ErrInvalidVersion = errors.New("unsupported snapshot version")

	// ErrTruncated is returned when a blob is too short to be a snapshot
	// or its footer seal is missing.
	ErrTruncated = errors.New("snapshot truncated")
)

// header is the fixed 64-byte plain prefix of every snapshot. Everything
// after it up to the footer is the payload, compressed according to
// Codec. The footer carries a CRC32 over header and payload; it sits at
// the end so snapshots can stream to non-seekable destinations.
type header struct {
	Magic     uint32
	Version   uint32
	Codec     uint8
	HasGraph  uint8
	_         [2]byte
	Dimension uint32
	Count     uint64
	CreatedAt int64 // unix nanoseconds
	_         [32]byte
}
