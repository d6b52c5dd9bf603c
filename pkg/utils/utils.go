// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

var (
	retryAttempts = 3
	retryBackoff  = time.Second * 2
)

// WithRetry runs op, retrying failures with a backoff that grows a
// little on every attempt. permanent short-circuits the loop for
// errors a retry cannot fix, such as a misconfigured bucket or a
// rejected credential; a nil permanent retries everything.
func WithRetry(op func() error, permanent func(error) bool) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= retryAttempts || (permanent != nil && permanent(err)) {
			return err
		}
		delay := time.Duration(attempt) * retryBackoff
		logrus.Warnf("attempt %d failed, next in %s: %s", attempt, delay, err)
		time.Sleep(delay)
	}
}

func IsPathExists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	return false
}

// HashFile returns the blake3 digest of the file at path.
func HashFile(path string) ([]byte, error) {
	hasher := blake3.New(32, nil)

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file before hashing file")
	}
	defer file.Close()

	if _, err := io.Copy(hasher, file); err != nil {
		return nil, errors.Wrap(err, "calculate hash of file")
	}

	return hasher.Sum(nil), nil
}
