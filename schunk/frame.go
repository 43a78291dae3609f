package schunk

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"gocloud.dev/blob"
)

// Frame format: a store serialized as one contiguous record.
//
// Structure:
//   Header (32 bytes):
//     - Magic (4): "NDF1"
//     - Version (2): 1
//     - Flags (2): reserved
//     - ChunkSize (4): uncompressed bytes per chunk
//     - BlockSize (4): compression granularity in bytes
//     - ChunkCount (4): number of chunks
//     - MetaCount (2): number of metadata layers
//     - Checksum (4): CRC32 (IEEE) of the body
//     - Reserved (6): padding to 32 bytes
//   Body:
//     - Metadata layers, in insertion order:
//         NameLen (2), Name, DataLen (4), Data
//     - Chunks, in append order:
//         BlockCount (4), then per block: CompLen (4), compressed payload
//
// All header and length fields are little-endian.

const (
	frameMagic      = "NDF1"
	frameVersion    = 1
	frameHeaderSize = 32
)

// ErrFrameCorrupt is returned when a frame fails structural validation.
var ErrFrameCorrupt = errors.New("schunk: corrupt frame")

// WriteTo serializes the store as a frame.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	var body bytes.Buffer
	var scratch [4]byte

	for _, name := range s.metaOrder {
		data := s.meta[name]
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(name)))
		body.Write(scratch[:2])
		body.WriteString(name)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(data)))
		body.Write(scratch[:4])
		body.Write(data)
	}
	for _, blocks := range s.chunks {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(blocks)))
		body.Write(scratch[:4])
		for _, b := range blocks {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(b)))
			body.Write(scratch[:4])
			body.Write(b)
		}
	}

	header := make([]byte, frameHeaderSize)
	copy(header[0:4], frameMagic)
	binary.LittleEndian.PutUint16(header[4:6], frameVersion)
	binary.LittleEndian.PutUint16(header[6:8], 0) // flags
	binary.LittleEndian.PutUint32(header[8:12], uint32(s.chunkSize))
	binary.LittleEndian.PutUint32(header[12:16], uint32(s.blockSize))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(s.chunks)))
	binary.LittleEndian.PutUint16(header[20:22], uint16(len(s.metaOrder)))
	binary.LittleEndian.PutUint32(header[22:26], crc32.ChecksumIEEE(body.Bytes()))

	n, err := w.Write(header)
	written := int64(n)
	if err != nil {
		return written, fmt.Errorf("schunk: failed to write frame header: %w", err)
	}
	m, err := w.Write(body.Bytes())
	written += int64(m)
	if err != nil {
		return written, fmt.Errorf("schunk: failed to write frame body: %w", err)
	}
	return written, nil
}

// Read deserializes a frame produced by WriteTo. Logger carries over from
// opts if the caller wants store events; size fields in opts are ignored,
// the frame is authoritative.
func Read(r io.Reader, opts Options) (*Store, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFrameCorrupt, err)
	}
	if string(header[0:4]) != frameMagic {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrFrameCorrupt, header[0:4])
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version > frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFrameCorrupt, version)
	}
	chunkSize := int(binary.LittleEndian.Uint32(header[8:12]))
	blockSize := int(binary.LittleEndian.Uint32(header[12:16]))
	chunkCount := int(binary.LittleEndian.Uint32(header[16:20]))
	metaCount := int(binary.LittleEndian.Uint16(header[20:22]))
	checksum := binary.LittleEndian.Uint32(header[22:26])

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("schunk: failed to read frame body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("%w: body checksum mismatch", ErrFrameCorrupt)
	}

	s, err := New(Options{
		ChunkSize: chunkSize,
		BlockSize: blockSize,
		Level:     opts.Level,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameCorrupt, err)
	}

	pos := 0
	need := func(n int) error {
		if pos+n > len(body) {
			return fmt.Errorf("%w: truncated body at offset %d", ErrFrameCorrupt, pos)
		}
		return nil
	}
	for i := 0; i < metaCount; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		nameLen := int(binary.LittleEndian.Uint16(body[pos:]))
		pos += 2
		if err := need(nameLen + 4); err != nil {
			return nil, err
		}
		name := string(body[pos : pos+nameLen])
		pos += nameLen
		dataLen := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += 4
		if err := need(dataLen); err != nil {
			return nil, err
		}
		if err := s.SetMeta(name, body[pos:pos+dataLen]); err != nil {
			return nil, err
		}
		pos += dataLen
	}
	for i := 0; i < chunkCount; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		blockCount := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += 4
		if blockCount != s.nblocks {
			return nil, fmt.Errorf("%w: chunk %d has %d blocks, want %d",
				ErrFrameCorrupt, i, blockCount, s.nblocks)
		}
		blocks := make([][]byte, blockCount)
		for b := 0; b < blockCount; b++ {
			if err := need(4); err != nil {
				return nil, err
			}
			compLen := int(binary.LittleEndian.Uint32(body[pos:]))
			pos += 4
			if err := need(compLen); err != nil {
				return nil, err
			}
			blocks[b] = append([]byte(nil), body[pos:pos+compLen]...)
			pos += compLen
		}
		s.chunks = append(s.chunks, blocks)
	}
	if pos != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFrameCorrupt, len(body)-pos)
	}
	return s, nil
}

// Save writes the store's frame to key in bucket.
func (s *Store) Save(ctx context.Context, bucket *blob.Bucket, key string) error {
	w, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("schunk: failed to create writer for %s: %w", key, err)
	}
	if _, err := s.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("schunk: failed to finish writing %s: %w", key, err)
	}
	return nil
}

// Open reads a frame from key in bucket.
func Open(ctx context.Context, bucket *blob.Bucket, key string, opts Options) (*Store, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("schunk: failed to open %s: %w", key, err)
	}
	defer r.Close()
	return Read(r, opts)
}
