// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package xbstream

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenFifo(t *testing.T) {
	fifoPath := filepath.Join(t.TempDir(), "stream.fifo")
	require.NoError(t, unix.Mkfifo(fifoPath, 0600))

	go func() {
		out, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer out.Close()

		w := NewWriter(out)
		f, err := w.Create("fifo.dat")
		if err != nil {
			return
		}
		f.Write([]byte("over the pipe"))
		f.Close()
	}()

	r, err := OpenFifo(fifoPath, 10*time.Second)
	require.NoError(t, err)
	defer r.Close()

	var c Chunk
	require.NoError(t, r.ReadChunk(&c))
	require.Equal(t, "fifo.dat", c.Path)
	require.Equal(t, []byte("over the pipe"), c.Data)
	require.NoError(t, c.ValidateChecksum())

	require.NoError(t, r.ReadChunk(&c))
	require.Equal(t, ChunkTypeEOF, c.Type)

	require.Equal(t, io.EOF, r.ReadChunk(&c))
}

func TestOpenFifoTimeout(t *testing.T) {
	fifoPath := filepath.Join(t.TempDir(), "nobody.fifo")
	require.NoError(t, unix.Mkfifo(fifoPath, 0600))

	start := time.Now()
	_, err := OpenFifo(fifoPath, 200*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}
