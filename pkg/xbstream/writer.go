// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package xbstream

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Writer multiplexes chunks from any number of Files onto one sink.
// A mutex serializes chunk emissions so that the header, sparse map
// and payload of one chunk are never interleaved with bytes from
// another chunk, even when Files are written from parallel goroutines.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// File is a write handle for one logical file on a Writer. Writes
// smaller than the remaining space of its coalescing buffer are
// batched and emitted as a single chunk; larger writes bypass the
// buffer. A File must be closed exactly once; Close flushes the
// buffer and emits the trailing EOF chunk.
//
// Files on the same Writer may be used from different goroutines, but
// a single File is not safe for concurrent use.
type File struct {
	stream *Writer
	path   []byte

	// Logical offset within the file. Advances only after a chunk
	// has been fully emitted to the sink.
	offset uint64

	chunk     []byte
	header    []byte
	sparseBuf []byte
}

// NewWriter returns a Writer emitting chunks to out. A nil out binds
// the process standard output.
func NewWriter(out io.Writer) *Writer {
	if out == nil {
		out = os.Stdout
	}
	return &Writer{out: out}
}

// Create opens a write handle for the logical file path. The path is
// rejected with ErrPathTooLong when longer than MaxPathLen bytes.
func (w *Writer) Create(path string) (*File, error) {
	if len(path) > MaxPathLen {
		return nil, errors.Wrapf(ErrPathTooLong, "open %q", path)
	}
	return &File{
		stream: w,
		path:   []byte(path),
		chunk:  make([]byte, 0, MinChunkSize),
		header: make([]byte, maxChunkHeaderLen),
	}, nil
}

// Close releases the stream. All Files created on the Writer must be
// closed before calling Close; this is a contract, not enforced.
func (w *Writer) Close() error {
	return nil
}

func (f *File) chunkFree() int {
	return MinChunkSize - len(f.chunk)
}

// Write buffers p when it fits into the remaining chunk space, and
// otherwise flushes the buffer and emits p as one chunk of its own,
// avoiding a copy for bulk writes. An empty p emits nothing.
func (f *File) Write(p []byte) (int, error) {
	if len(p) < f.chunkFree() {
		f.chunk = append(f.chunk, p...)
		return len(p), nil
	}
	if err := f.flush(); err != nil {
		return 0, err
	}
	if err := f.writeChunk(p, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteSparse emits p together with its sparse map as one chunk,
// flushing any buffered bytes first. Sparse data is never coalesced
// with plain payload bytes. A chunk is tagged sparse only when the
// map is non-empty; with an empty map it is emitted as a plain
// payload chunk and the sparse tag is not preserved.
func (f *File) WriteSparse(p []byte, sparseMap []SparseChunk) error {
	if err := f.flush(); err != nil {
		return err
	}
	return f.writeChunk(p, sparseMap)
}

// Close flushes the buffer and emits the EOF chunk for the file.
func (f *File) Close() error {
	if err := f.flush(); err != nil {
		return err
	}
	return f.writeEOF()
}

func (f *File) flush() error {
	if len(f.chunk) == 0 {
		return nil
	}
	if err := f.writeChunk(f.chunk, nil); err != nil {
		return err
	}
	f.chunk = f.chunk[:0]
	return nil
}

func (f *File) writeChunk(p []byte, sparseMap []SparseChunk) error {
	hdr := f.header
	n := copy(hdr, ChunkMagic)

	hdr[n] = 0 // chunk flags
	n++

	if len(sparseMap) > 0 {
		hdr[n] = byte(ChunkTypeSparse)
	} else {
		hdr[n] = byte(ChunkTypePayload)
	}
	n++

	binary.LittleEndian.PutUint32(hdr[n:], uint32(len(f.path)))
	n += 4
	n += copy(hdr[n:], f.path)

	if len(sparseMap) > 0 {
		binary.LittleEndian.PutUint32(hdr[n:], uint32(8*len(sparseMap)))
		n += 4
	}

	binary.LittleEndian.PutUint64(hdr[n:], uint64(len(p)))
	n += 8

	if cap(f.sparseBuf) < 8*len(sparseMap) {
		f.sparseBuf = make([]byte, 8*len(sparseMap))
	}
	sp := f.sparseBuf[:8*len(sparseMap)]
	for i, s := range sparseMap {
		binary.LittleEndian.PutUint32(sp[8*i:], s.Skip)
		binary.LittleEndian.PutUint32(sp[8*i+4:], s.Len)
	}

	crc := checksum(0, sp)
	crc = checksum(crc, p)

	w := f.stream
	w.mu.Lock()
	defer w.mu.Unlock()

	// The payload offset reflects bytes emitted so far for this file,
	// so it is stored under the same lock that orders the emissions.
	binary.LittleEndian.PutUint64(hdr[n:], f.offset)
	n += 8
	binary.LittleEndian.PutUint32(hdr[n:], crc)
	n += 4

	if err := w.emit(hdr[:n]); err != nil {
		return errors.Wrapf(err, "write chunk header for %s", f.path)
	}
	if err := w.emit(sp); err != nil {
		return errors.Wrapf(err, "write sparse map for %s", f.path)
	}
	if err := w.emit(p); err != nil {
		return errors.Wrapf(err, "write chunk payload for %s", f.path)
	}

	for _, s := range sparseMap {
		f.offset += uint64(s.Skip)
	}
	f.offset += uint64(len(p))

	return nil
}

// writeEOF emits the terminal chunk for the file: header and path
// only, no length, offset or checksum fields.
func (f *File) writeEOF() error {
	hdr := f.header
	n := copy(hdr, ChunkMagic)

	hdr[n] = 0 // chunk flags
	n++
	hdr[n] = byte(ChunkTypeEOF)
	n++

	binary.LittleEndian.PutUint32(hdr[n:], uint32(len(f.path)))
	n += 4
	n += copy(hdr[n:], f.path)

	w := f.stream
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.emit(hdr[:n]); err != nil {
		return errors.Wrapf(err, "write EOF chunk for %s", f.path)
	}

	return nil
}

func (w *Writer) emit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.out.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
