// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package packer

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

// packSparse emits src as sparse chunks, probing data runs with
// SEEK_DATA/SEEK_HOLE so holes never hit the wire. It returns false
// without writing anything when the file is fully allocated, leaving
// the plain copy path to the caller.
func packSparse(dst *xbstream.File, src *os.File, size int64) (bool, error) {
	fd := int(src.Fd())

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, nil
	}
	if st.Blocks*512 >= size {
		return false, nil
	}

	buf := make([]byte, xbstream.MinChunkSize)
	pos := int64(0)
	for pos < size {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err == unix.ENXIO {
			// Trailing hole: a zero-payload chunk carries the skip so
			// the offset accounting still reaches the file size.
			return true, writeHole(dst, size-pos)
		}
		if err != nil {
			return true, errors.Wrapf(err, "probe data run at %d", pos)
		}

		dataEnd, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			return true, errors.Wrapf(err, "probe hole at %d", dataStart)
		}
		if _, err := src.Seek(dataStart, io.SeekStart); err != nil {
			return true, errors.Wrap(err, "rewind to data run")
		}

		skip := dataStart - pos
		for run := dataEnd - dataStart; run > 0; {
			n := run
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			if _, err := io.ReadFull(src, buf[:n]); err != nil {
				return true, errors.Wrap(err, "read data run")
			}

			if skip > math.MaxUint32 {
				if err := writeHole(dst, skip); err != nil {
					return true, err
				}
				skip = 0
			}
			err := dst.WriteSparse(buf[:n], []xbstream.SparseChunk{
				{Skip: uint32(skip), Len: uint32(n)},
			})
			if err != nil {
				return true, err
			}
			skip = 0
			run -= n
		}
		pos = dataEnd
	}

	return true, nil
}

// writeHole emits length bytes of implicit zeros, split into entries
// small enough for the 32-bit skip field.
func writeHole(dst *xbstream.File, length int64) error {
	var entries []xbstream.SparseChunk
	for length > 0 {
		skip := length
		if skip > math.MaxUint32 {
			skip = math.MaxUint32
		}
		entries = append(entries, xbstream.SparseChunk{Skip: uint32(skip)})
		length -= skip
	}
	return dst.WriteSparse(nil, entries)
}
