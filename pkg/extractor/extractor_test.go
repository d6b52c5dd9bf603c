// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

func TestExtract(t *testing.T) {
	var out bytes.Buffer
	w := xbstream.NewWriter(&out)

	plain, err := w.Create("dir/plain.dat")
	require.NoError(t, err)
	_, err = plain.Write([]byte("plain content"))
	require.NoError(t, err)
	require.NoError(t, plain.Close())

	empty, err := w.Create("empty.dat")
	require.NoError(t, err)
	require.NoError(t, empty.Close())

	sparse, err := w.Create("sparse.dat")
	require.NoError(t, err)
	require.NoError(t, sparse.WriteSparse([]byte("AB"),
		[]xbstream.SparseChunk{{Skip: 1024, Len: 1}, {Skip: 512, Len: 1}}))
	// Trailing hole, no payload.
	require.NoError(t, sparse.WriteSparse(nil,
		[]xbstream.SparseChunk{{Skip: 256}}))
	require.NoError(t, sparse.Close())

	dir := t.TempDir()
	e, err := New(Opt{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, e.Extract(xbstream.NewReader(bytes.NewReader(out.Bytes()))))

	got, err := os.ReadFile(filepath.Join(dir, "dir/plain.dat"))
	require.NoError(t, err)
	require.Equal(t, []byte("plain content"), got)

	got, err = os.ReadFile(filepath.Join(dir, "empty.dat"))
	require.NoError(t, err)
	require.Empty(t, got)

	want := make([]byte, 1024+1+512+1+256)
	want[1024] = 'A'
	want[1024+1+512] = 'B'
	got, err = os.ReadFile(filepath.Join(dir, "sparse.dat"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExtractChunkOrderAcrossFiles(t *testing.T) {
	var out bytes.Buffer
	w := xbstream.NewWriter(&out)

	// Interleave chunks of two files by alternating bulk writes that
	// bypass the coalescing buffer.
	x, err := w.Create("x")
	require.NoError(t, err)
	y, err := w.Create("y")
	require.NoError(t, err)

	xData := bytes.Repeat([]byte{'x'}, xbstream.MinChunkSize)
	yData := bytes.Repeat([]byte{'y'}, xbstream.MinChunkSize)
	_, err = x.Write(xData)
	require.NoError(t, err)
	_, err = y.Write(yData)
	require.NoError(t, err)
	_, err = x.Write(xData[:1024])
	require.NoError(t, err)
	require.NoError(t, x.Close())
	require.NoError(t, y.Close())

	dir := t.TempDir()
	e, err := New(Opt{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, e.Extract(xbstream.NewReader(bytes.NewReader(out.Bytes()))))

	got, err := os.ReadFile(filepath.Join(dir, "x"))
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, xData...), xData[:1024]...), got)

	got, err = os.ReadFile(filepath.Join(dir, "y"))
	require.NoError(t, err)
	require.Equal(t, yData, got)
}

func TestExtractRejectsEscapingPaths(t *testing.T) {
	for _, path := range []string{"/abs/path", "../escape", "a/../../escape"} {
		var out bytes.Buffer
		w := xbstream.NewWriter(&out)
		f, err := w.Create(path)
		require.NoError(t, err)
		_, err = f.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		e, err := New(Opt{Dir: t.TempDir()})
		require.NoError(t, err)
		err = e.Extract(xbstream.NewReader(bytes.NewReader(out.Bytes())))
		require.Error(t, err)
		require.Contains(t, err.Error(), "escapes the output directory")
	}
}

func TestExtractCorruptedChunk(t *testing.T) {
	var out bytes.Buffer
	w := xbstream.NewWriter(&out)
	f, err := w.Create("c")
	require.NoError(t, err)
	_, err = f.Write([]byte("untouched payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	raw := out.Bytes()
	raw[len(raw)-20] ^= 0x01

	e, err := New(Opt{Dir: t.TempDir()})
	require.NoError(t, err)
	err = e.Extract(xbstream.NewReader(bytes.NewReader(raw)))
	require.ErrorIs(t, err, xbstream.ErrChecksumMismatch)
}
