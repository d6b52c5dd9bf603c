// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package xbstream implements the xbstream multiplexed archive format:
// many logical files interleaved as checksummed chunks on one byte
// stream. A Writer multiplexes any number of concurrently written
// files onto a single sink; a Reader recovers the chunks sequentially,
// including sparse regions that never hit the wire as literal zeros.
package xbstream

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// ChunkMagic prefixes every chunk on the wire.
	ChunkMagic = "XBSTCK01"

	// MaxPathLen bounds the path field of a chunk.
	MaxPathLen = 4096

	// MinChunkSize groups writes smaller than this into a single chunk.
	MinChunkSize = 10 * 1024 * 1024

	// FlagChunkIgnorable marks a chunk as skippable when its type is
	// unknown to the reader.
	FlagChunkIgnorable = 0x01
)

const (
	// Magic + flags + type + path length.
	chunkHeaderConstantLen = len(ChunkMagic) + 1 + 1 + 4

	chunkTypeOffset    = len(ChunkMagic) + 1
	chunkPathLenOffset = len(ChunkMagic) + 1 + 1

	// Worst case header: magic + flags + type + path length + path +
	// sparse map length + payload length + payload offset + checksum.
	maxChunkHeaderLen = chunkHeaderConstantLen + MaxPathLen + 4 + 8 + 8 + 4
)

// ChunkType is the one-byte type tag at a fixed offset of every chunk.
type ChunkType byte

const (
	ChunkTypeUnknown ChunkType = 0
	ChunkTypePayload ChunkType = 'P'
	ChunkTypeSparse  ChunkType = 'S'
	ChunkTypeEOF     ChunkType = 'E'
)

// SparseChunk describes one run of a sparse payload: skip Skip bytes
// of implicit zeros in the reconstructed file, then take Len bytes
// from the chunk payload.
type SparseChunk struct {
	Skip uint32
	Len  uint32
}

var (
	ErrPathTooLong        = errors.New("file path is too long")
	ErrInvalidMagic       = errors.New("wrong chunk magic")
	ErrInvalidType        = errors.New("unknown chunk type")
	ErrPathLengthOverflow = errors.New("chunk path length is too large")
	ErrChecksumMismatch   = errors.New("chunk checksum mismatch")
	ErrTimeout            = errors.New("timed out waiting for a stream writer")
)

// checksum chains the CRC-32/ISO-3309 over p. Seeding with the return
// value of a previous call continues the same CRC, zlib style. The
// writer feeds the sparse map bytes first, then the payload.
func checksum(seed uint32, p []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, p)
}
