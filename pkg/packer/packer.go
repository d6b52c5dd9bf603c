// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package packer streams regular files into one xbstream archive.
// Files are packed in parallel, each worker holding its own write
// handle on the shared stream, so chunks of different files interleave
// on the wire while every single chunk stays contiguous.
package packer

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/xbstream/pkg/utils"
	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

type Opt struct {
	// Out receives the archive stream. A nil Out binds the process
	// standard output.
	Out io.Writer

	// Parallel is the number of files packed concurrently. Zero means
	// one worker per CPU.
	Parallel uint
}

type Packer struct {
	writer   *xbstream.Writer
	parallel uint
}

func New(opt Opt) *Packer {
	parallel := opt.Parallel
	if parallel == 0 {
		parallel = uint(runtime.NumCPU())
	}
	return &Packer{
		writer:   xbstream.NewWriter(opt.Out),
		parallel: parallel,
	}
}

// Pack archives the named files onto the stream and closes it. Paths
// are stored slash-separated with any leading "/" stripped.
func (p *Packer) Pack(paths []string) error {
	pool := utils.NewWorkerPool(p.parallel, uint(len(paths)))
	for _, path := range paths {
		path := path
		pool.Put(func() error {
			return p.packFile(path)
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}
	return p.writer.Close()
}

// MemberName maps a source path to the name stored in the archive.
func MemberName(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
}

func (p *Packer) packFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open source file %s", path)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat source file %s", path)
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("source %s is not a regular file", path)
	}

	name := MemberName(path)
	file, err := p.writer.Create(name)
	if err != nil {
		return err
	}

	err = copyFile(file, src, info.Size())
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "pack %s", path)
	}

	logrus.Debugf("packed %s (%d bytes)", name, info.Size())
	return nil
}

func copyFile(dst *xbstream.File, src *os.File, size int64) error {
	if done, err := packSparse(dst, src, size); done || err != nil {
		return err
	}

	// Full-buffer reads line up with the writer's bypass rule, so
	// every full segment goes out as one chunk without a copy.
	buf := make([]byte, xbstream.MinChunkSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
