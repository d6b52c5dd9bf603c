// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package packer

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

func TestMemberName(t *testing.T) {
	require.Equal(t, "a/b.txt", MemberName("a/b.txt"))
	require.Equal(t, "a/b.txt", MemberName("./a//b.txt"))
	require.Equal(t, "tmp/data", MemberName("/tmp/data"))
}

// reassemble replays every chunk of the archive, filling sparse skips
// with zeros, and returns the logical content per member name.
func reassemble(t *testing.T, raw []byte) map[string][]byte {
	files := map[string][]byte{}
	r := xbstream.NewReader(bytes.NewReader(raw))
	closed := map[string]bool{}

	chunk := &xbstream.Chunk{}
	for {
		err := r.ReadChunk(chunk)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		if chunk.Type == xbstream.ChunkTypeEOF {
			closed[chunk.Path] = true
			// An empty member has no data chunks; its EOF chunk alone
			// records it.
			if _, ok := files[chunk.Path]; !ok {
				files[chunk.Path] = []byte{}
			}
			continue
		}
		require.False(t, closed[chunk.Path])
		require.NoError(t, chunk.ValidateChecksum())
		require.Equal(t, uint64(len(files[chunk.Path])), chunk.Offset)

		content := files[chunk.Path]
		if chunk.Type == xbstream.ChunkTypePayload {
			content = append(content, chunk.Data...)
		} else {
			data := chunk.Data
			for _, s := range chunk.SparseMap {
				content = append(content, make([]byte, s.Skip)...)
				content = append(content, data[:s.Len]...)
				data = data[s.Len:]
			}
		}
		files[chunk.Path] = content
	}

	for path := range files {
		require.True(t, closed[path])
	}
	return files
}

func TestPack(t *testing.T) {
	dir := t.TempDir()

	want := map[string][]byte{
		"small.txt": []byte("small file content"),
		"empty":     {},
		"big.bin":   bytes.Repeat([]byte{0xc3}, xbstream.MinChunkSize+4096),
	}
	var paths []string
	for name, content := range want {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, content, 0644))
		paths = append(paths, path)
	}

	var out bytes.Buffer
	p := New(Opt{Out: &out, Parallel: 4})
	require.NoError(t, p.Pack(paths))

	got := reassemble(t, out.Bytes())
	require.Len(t, got, len(want))
	for name, content := range want {
		member := MemberName(filepath.Join(dir, name))
		if len(content) == 0 {
			require.Empty(t, got[member])
		} else {
			require.Equal(t, content, got[member])
		}
	}
}

func TestPackSparseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holey")

	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("more"), 256*1024)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(512*1024))
	require.NoError(t, f.Close())

	var out bytes.Buffer
	p := New(Opt{Out: &out, Parallel: 1})
	require.NoError(t, p.Pack([]string{path}))

	want, err := os.ReadFile(path)
	require.NoError(t, err)

	got := reassemble(t, out.Bytes())
	require.Equal(t, want, got[MemberName(path)])
}

func TestPackMissingFile(t *testing.T) {
	var out bytes.Buffer
	p := New(Opt{Out: &out})
	require.Error(t, p.Pack([]string{filepath.Join(t.TempDir(), "missing")}))
}
