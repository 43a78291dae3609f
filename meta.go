package carray

import (
	"encoding/binary"
	"fmt"
)

// The dimensional metadata travels with the chunk store as a metadata layer
// holding a compact msgpack-shaped record:
//
//   0x95                      array of 5 entries
//   version                   positive fixnum
//   ndim                      positive fixnum
//   0x90+ndim, ndim x (0xd3 + int64 big-endian)   shape
//   0x90+ndim, ndim x (0xd2 + int32 big-endian)   chunk shape
//   0x90+ndim, ndim x (0xd2 + int32 big-endian)   block shape
//
// Multi-byte values are always stored big-endian regardless of host order.
// This layout is the only bit-exact external contract the package has:
// decoders reject any record whose markers, version or length disagree.

const (
	// MetaLayer is the metadata layer name the record is attached under.
	MetaLayer = "carray"

	metaVersion = 0

	mpFixArray = 0x90 // fix array marker base; low nibble is the length
	mpInt32    = 0xd2
	mpInt64    = 0xd3
)

// serializeMeta encodes the dimensional metadata record.
func serializeMeta(ndim int, shape *[MaxDim]int64, chunkShape, blockShape *[MaxDim]int32) []byte {
	// Closed-form upper bound: root marker, version, ndim, then one array
	// marker plus ndim typed elements per vector.
	maxLen := 1 + 1 + 1 + (1 + ndim*(1+8)) + 2*(1+ndim*(1+4))
	smeta := make([]byte, 0, maxLen)

	smeta = append(smeta, mpFixArray+5)
	smeta = append(smeta, metaVersion)
	smeta = append(smeta, byte(ndim))

	smeta = append(smeta, byte(mpFixArray+ndim))
	for i := 0; i < ndim; i++ {
		smeta = append(smeta, mpInt64)
		smeta = binary.BigEndian.AppendUint64(smeta, uint64(shape[i]))
	}

	smeta = append(smeta, byte(mpFixArray+ndim))
	for i := 0; i < ndim; i++ {
		smeta = append(smeta, mpInt32)
		smeta = binary.BigEndian.AppendUint32(smeta, uint32(chunkShape[i]))
	}

	smeta = append(smeta, byte(mpFixArray+ndim))
	for i := 0; i < ndim; i++ {
		smeta = append(smeta, mpInt32)
		smeta = binary.BigEndian.AppendUint32(smeta, uint32(blockShape[i]))
	}
	return smeta
}

// deserializeMeta decodes a record produced by serializeMeta, validating
// every marker. The returned vectors are all-ones past ndim.
func deserializeMeta(smeta []byte) (ndim int, shape [MaxDim]int64, chunkShape, blockShape [MaxDim]int32, err error) {
	pos := 0
	need := func(n int) bool { return pos+n <= len(smeta) }
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrMetaCorrupt, fmt.Sprintf(format, args...))
	}

	if !need(3) {
		err = fail("record too short: %d bytes", len(smeta))
		return
	}
	if smeta[pos] != mpFixArray+5 {
		err = fail("expected array-of-5 marker, got 0x%02x", smeta[pos])
		return
	}
	pos++

	version := int(smeta[pos])
	if version > metaVersion {
		err = fail("version %d exceeds supported version %d", version, metaVersion)
		return
	}
	pos++

	ndim = int(smeta[pos])
	if ndim < 1 || ndim > MaxDim {
		err = fail("ndim %d outside [1, %d]", ndim, MaxDim)
		return
	}
	pos++

	for i := 0; i < MaxDim; i++ {
		shape[i] = 1
		chunkShape[i] = 1
		blockShape[i] = 1
	}

	if !need(1) || smeta[pos] != byte(mpFixArray+ndim) {
		err = fail("bad shape array marker")
		return
	}
	pos++
	for i := 0; i < ndim; i++ {
		if !need(9) || smeta[pos] != mpInt64 {
			err = fail("bad shape element marker at dimension %d", i)
			return
		}
		pos++
		shape[i] = int64(binary.BigEndian.Uint64(smeta[pos:]))
		pos += 8
	}

	for _, dst := range []*[MaxDim]int32{&chunkShape, &blockShape} {
		if !need(1) || smeta[pos] != byte(mpFixArray+ndim) {
			err = fail("bad sub-array marker at offset %d", pos)
			return
		}
		pos++
		for i := 0; i < ndim; i++ {
			if !need(5) || smeta[pos] != mpInt32 {
				err = fail("bad int32 element marker at dimension %d", i)
				return
			}
			pos++
			dst[i] = int32(binary.BigEndian.Uint32(smeta[pos:]))
			pos += 4
		}
	}

	if pos != len(smeta) {
		err = fail("record length mismatch: consumed %d of %d bytes", pos, len(smeta))
		return
	}
	return
}
