// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package xbstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/fifo"
	"github.com/pkg/errors"
)

// Reader consumes an xbstream from a sequential byte source. The
// format is not seekable; chunks are only produced in stream order.
// A mutex guards the source and stream offset so that chunks can be
// handed to parallel demultiplexers, but the reads themselves are
// strictly sequential.
type Reader struct {
	mu     sync.Mutex
	in     io.Reader
	offset uint64

	// First decode or IO failure. Once set, every subsequent
	// ReadChunk returns it; a failed stream cannot be resumed.
	err error

	closer io.Closer
}

// Chunk holds one parsed chunk. The payload and sparse map buffers
// are owned by the Chunk and reused across ReadChunk calls; they grow
// on demand and never shrink.
type Chunk struct {
	Flags byte
	Type  ChunkType
	Path  string

	// Length is the payload length, Offset the logical position of
	// this chunk's payload within the file. Both are zero for EOF
	// chunks and must not be interpreted for them.
	Length   uint64
	Offset   uint64
	Checksum uint32

	SparseMap []SparseChunk
	Data      []byte

	// Wire bytes of the sparse map, kept for checksum validation.
	sparseBuf []byte
	pathBuf   []byte
}

// NewReader returns a Reader consuming the stream from in.
func NewReader(in io.Reader) *Reader {
	return &Reader{in: in}
}

// OpenStdin binds the process standard input.
func OpenStdin() *Reader {
	return NewReader(os.Stdin)
}

// OpenFifo opens path as a FIFO and waits for a writer to attach. A
// timeout <= 0 blocks indefinitely; otherwise ErrTimeout is returned
// when no writer attaches in time.
func OpenFifo(path string, timeout time.Duration) (*Reader, error) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	f, err := fifo.OpenFifo(ctx, path, syscall.O_RDONLY, 0)
	if err != nil {
		// Without O_NONBLOCK the open itself waits for a writer and
		// fails with the context error once the deadline passes.
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ErrTimeout, "fifo %s after %s", path, timeout)
		}
		return nil, errors.Wrapf(err, "open fifo %s", path)
	}

	// A zero-byte read confirms the opened fifo is readable; a deadline
	// that closes it underneath still reports ErrTimeout.
	if _, err := f.Read(nil); err != nil {
		f.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ErrTimeout, "fifo %s after %s", path, timeout)
		}
		return nil, errors.Wrapf(err, "wait for writer on fifo %s", path)
	}

	r := NewReader(f)
	r.closer = f
	return r, nil
}

// Close releases the underlying source when the Reader owns one
// (FIFO). Readers over plain io.Readers are a no-op.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadChunk reads the next chunk of the stream into c, reusing c's
// buffers. It returns io.EOF on a clean end of input at a chunk
// boundary. Any other failure, including a truncated chunk, is
// returned as an error and latches the Reader into a failed state.
func (r *Reader) ReadChunk(c *Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	err := r.readChunk(c)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return err
}

func (r *Reader) readChunk(c *Chunk) error {
	var hdr [chunkHeaderConstantLen]byte

	for {
		pos := r.offset
		n, err := io.ReadFull(r.in, hdr[:])
		r.offset += uint64(n)
		if err == io.EOF {
			// Zero bytes at a chunk boundary is the normal end of
			// the stream, not an error.
			return io.EOF
		}
		if err != nil {
			return errors.Wrapf(err, "read chunk header at offset %d", pos)
		}

		if !bytes.Equal(hdr[:len(ChunkMagic)], []byte(ChunkMagic)) {
			return errors.Wrapf(ErrInvalidMagic, "at offset %d", pos)
		}

		c.Flags = hdr[len(ChunkMagic)]
		typ := ChunkType(hdr[chunkTypeOffset])

		pathLen := binary.LittleEndian.Uint32(hdr[chunkPathLenOffset:])
		if pathLen > MaxPathLen {
			return errors.Wrapf(ErrPathLengthOverflow, "%d bytes at offset %d", pathLen, pos)
		}

		if cap(c.pathBuf) < int(pathLen) {
			c.pathBuf = make([]byte, pathLen)
		}
		c.pathBuf = c.pathBuf[:pathLen]
		if err := r.readFull(c.pathBuf, "chunk path"); err != nil {
			return err
		}
		c.Path = string(c.pathBuf)

		switch typ {
		case ChunkTypeEOF:
			c.Type = typ
			c.Length = 0
			c.Offset = 0
			c.Checksum = 0
			c.SparseMap = c.SparseMap[:0]
			c.Data = c.Data[:0]
			c.sparseBuf = c.sparseBuf[:0]
			return nil
		case ChunkTypePayload, ChunkTypeSparse:
			c.Type = typ
		default:
			if c.Flags&FlagChunkIgnorable != 0 {
				// Unknown but ignorable: only the constant header and
				// path are skippable, no length field can be inferred.
				continue
			}
			return errors.Wrapf(ErrInvalidType, "type 0x%02x at offset %d", byte(typ), pos)
		}
		break
	}

	var meta [8]byte

	var sparseMapLen uint32
	if c.Type == ChunkTypeSparse {
		if err := r.readFull(meta[:4], "sparse map length"); err != nil {
			return err
		}
		sparseMapLen = binary.LittleEndian.Uint32(meta[:4])
	}

	if err := r.readFull(meta[:8], "payload length"); err != nil {
		return err
	}
	c.Length = binary.LittleEndian.Uint64(meta[:8])

	if err := r.readFull(meta[:8], "payload offset"); err != nil {
		return err
	}
	c.Offset = binary.LittleEndian.Uint64(meta[:8])

	if err := r.readFull(meta[:4], "chunk checksum"); err != nil {
		return err
	}
	c.Checksum = binary.LittleEndian.Uint32(meta[:4])

	if cap(c.sparseBuf) < int(sparseMapLen) {
		c.sparseBuf = make([]byte, sparseMapLen)
	}
	c.sparseBuf = c.sparseBuf[:sparseMapLen]
	if err := r.readFull(c.sparseBuf, "sparse map"); err != nil {
		return err
	}

	c.SparseMap = c.SparseMap[:0]
	for off := 0; off+8 <= int(sparseMapLen); off += 8 {
		c.SparseMap = append(c.SparseMap, SparseChunk{
			Skip: binary.LittleEndian.Uint32(c.sparseBuf[off:]),
			Len:  binary.LittleEndian.Uint32(c.sparseBuf[off+4:]),
		})
	}

	if cap(c.Data) < int(c.Length) {
		c.Data = make([]byte, c.Length)
	}
	c.Data = c.Data[:c.Length]
	if err := r.readFull(c.Data, "chunk payload"); err != nil {
		return err
	}

	return nil
}

func (r *Reader) readFull(p []byte, what string) error {
	pos := r.offset
	n, err := io.ReadFull(r.in, p)
	r.offset += uint64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "read %s at offset %d", what, pos)
	}
	return nil
}

// ValidateChecksum recomputes the CRC-32 over the chunk's sparse map
// bytes and payload and compares it to the stored checksum. It does
// not modify the chunk and is safe to call repeatedly.
func (c *Chunk) ValidateChecksum() error {
	crc := checksum(0, c.sparseBuf)
	crc = checksum(crc, c.Data)
	if crc != c.Checksum {
		return errors.Wrapf(ErrChecksumMismatch,
			"chunk for %s at offset %d: stored 0x%08x, computed 0x%08x",
			c.Path, c.Offset, c.Checksum, crc)
	}
	return nil
}
