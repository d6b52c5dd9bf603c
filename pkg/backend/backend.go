// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package backend uploads finished archives to object storage, so a
// backup can stream to a spool file and land directly in a bucket
// instead of a local disk.
package backend

import (
	"context"
	"fmt"
	"hash"
	"hash/crc64"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/pkg/errors"
)

// Backend transfers a finished archive to a storage backend such as:
// 1. oss: an object storage backend verifying the upload against the
// CRC64 the service reports back.
// 2. s3: an S3-compatible object storage backend using the AWS SDK
// upload manager with per-part checksums.
type Backend interface {
	// Upload puts the archive spooled at archivePath into the bucket
	// under archiveID. sum is the CRC64-ECMA of the archive, computed
	// while it was spooled; backends with a service-side counterpart
	// verify it, the others ignore it. Unless forcePush is set, an
	// object that already holds this archive is left untouched.
	Upload(ctx context.Context, archiveID, archivePath string, sum uint64, forcePush bool) error
	Check(archiveID string) (bool, error)
	Type() Type
}

type Type = int

const (
	OssBackend Type = iota
	S3backend
)

// NewBackend creates a storage backend from its type name and a JSON
// configuration string.
func NewBackend(bt string, config []byte) (Backend, error) {
	switch bt {
	case "oss":
		return newOSSBackend(config)
	case "s3":
		return newS3Backend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type %s", bt)
	}
}

// NewArchiveSum returns the hash archives are spooled through:
// CRC64-ECMA, the checksum OSS reports for uploaded objects, so one
// pass over the stream serves both the spool and the verification.
func NewArchiveSum() hash.Hash64 {
	return crc64.New(crc64.MakeTable(crc64.ECMA))
}

// IsPermanent reports whether an upload failure cannot be helped by
// retrying: the service understood the request and rejected it.
// Transport failures and server-side errors stay retriable.
func IsPermanent(err error) bool {
	var ossErr oss.ServiceError
	if errors.As(err, &ossErr) {
		return ossErr.StatusCode >= 400 && ossErr.StatusCode < 500
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= 400 && code < 500
	}
	return false
}
