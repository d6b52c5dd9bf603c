// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package extractor demultiplexes an xbstream archive into files on
// disk, validating every chunk checksum and reconstructing sparse
// regions by seeking instead of writing zeros.
package extractor

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/xbstream/pkg/utils"
	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

type Opt struct {
	// Dir is the output directory; it is created when missing.
	Dir string

	// Digest logs the blake3 digest of every reconstructed file.
	Digest bool
}

type Extractor struct {
	dir    string
	digest bool
}

func New(opt Opt) (*Extractor, error) {
	dir := opt.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create output directory %s", dir)
	}
	return &Extractor{dir: dir, digest: opt.Digest}, nil
}

// Extract consumes the stream until its end, writing every logical
// file under the output directory. Chunk paths are untrusted input;
// absolute paths and paths escaping the output directory are rejected.
func (e *Extractor) Extract(r *xbstream.Reader) error {
	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	chunk := &xbstream.Chunk{}
	for {
		err := r.ReadChunk(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target, err := e.targetPath(chunk.Path)
		if err != nil {
			return err
		}

		if chunk.Type == xbstream.ChunkTypeEOF {
			f := files[target]
			if f == nil {
				// An empty logical file has no data chunks; its EOF
				// chunk alone materializes an empty file.
				if f, err = createFile(target); err != nil {
					return err
				}
			}
			delete(files, target)
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "close %s", target)
			}
			if e.digest {
				sum, err := utils.HashFile(target)
				if err != nil {
					return err
				}
				logrus.Infof("%x  %s", sum, chunk.Path)
			}
			continue
		}

		if err := chunk.ValidateChecksum(); err != nil {
			return err
		}

		f := files[target]
		if f == nil {
			if f, err = createFile(target); err != nil {
				return err
			}
			files[target] = f
		}

		if err := applyChunk(f, chunk); err != nil {
			return errors.Wrapf(err, "apply chunk to %s", target)
		}
	}

	for target := range files {
		logrus.Warnf("stream ended without EOF chunk for %s", target)
	}
	return nil
}

func (e *Extractor) targetPath(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", errors.Errorf("chunk path %q escapes the output directory", name)
	}
	return filepath.Join(e.dir, clean), nil
}

func createFile(target string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, errors.Wrapf(err, "create parent directory of %s", target)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", target)
	}
	return f, nil
}

func applyChunk(f *os.File, c *xbstream.Chunk) error {
	if c.Type == xbstream.ChunkTypePayload {
		if len(c.Data) == 0 {
			return nil
		}
		_, err := f.WriteAt(c.Data, int64(c.Offset))
		return err
	}

	pos := int64(c.Offset)
	data := c.Data
	for _, s := range c.SparseMap {
		pos += int64(s.Skip)
		if s.Len > 0 {
			if _, err := f.WriteAt(data[:s.Len], pos); err != nil {
				return err
			}
			data = data[s.Len:]
			pos += int64(s.Len)
		}
	}

	// A trailing skip writes no bytes; the file still has to cover it.
	return extendTo(f, pos)
}

func extendTo(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
