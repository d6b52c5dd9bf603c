// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// Archives above one part size are uploaded as multiparts of this
	// size; smaller ones go out in a single put.
	ossPartSize = 256 * 1024 * 1024

	// Parts in flight at once. Each part is read straight from the
	// spool file, so this bounds connections, not memory.
	ossPartUploads = 4
)

type OSSConfig struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	AccessKeySecret string `json:"access_key_secret,omitempty"`
	BucketName      string `json:"bucket_name"`
	ObjectPrefix    string `json:"object_prefix,omitempty"`
}

type OSSBackend struct {
	// OSS storage does not support directory. Therefore add a prefix
	// to each object to make it a path-like object.
	objectPrefix string
	bucket       *oss.Bucket
}

func newOSSBackend(rawConfig []byte) (*OSSBackend, error) {
	cfg := &OSSConfig{}
	if err := json.Unmarshal(rawConfig, cfg); err != nil {
		return nil, errors.Wrap(err, "parse OSS storage backend configuration")
	}
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, errors.New("invalid OSS configuration: missing 'endpoint' or 'bucket_name'")
	}

	// Keys are optional for instances with ambient credentials.
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, errors.Wrap(err, "create OSS client")
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, errors.Wrap(err, "open OSS bucket")
	}

	return &OSSBackend{
		objectPrefix: cfg.ObjectPrefix,
		bucket:       bucket,
	}, nil
}

// Upload puts the spooled archive into the OSS bucket and compares
// the CRC64 computed while spooling against the one the service
// stored, catching corruption in transit without re-reading the spool.
func (b *OSSBackend) Upload(_ context.Context, archiveID, archivePath string, sum uint64, forcePush bool) error {
	objectKey := b.objectPrefix + archiveID

	if !forcePush {
		exist, err := b.bucket.IsObjectExist(objectKey)
		if err != nil {
			return errors.Wrap(err, "probe archive object")
		}
		if exist {
			logrus.Infof("archive %s already uploaded, skipping", archiveID)
			return nil
		}
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return errors.Wrap(err, "stat spooled archive")
	}

	start := time.Now()
	if info.Size() <= ossPartSize {
		if err := b.bucket.PutObjectFromFile(objectKey, archivePath); err != nil {
			return errors.Wrap(err, "put archive object")
		}
	} else if err := b.uploadParts(objectKey, archivePath, info.Size()); err != nil {
		return err
	}

	if err := b.verifyUpload(objectKey, sum); err != nil {
		return err
	}

	logrus.Infof("uploaded archive %s (%d bytes) in %s", objectKey, info.Size(), time.Since(start))
	return nil
}

func (b *OSSBackend) uploadParts(objectKey, archivePath string, size int64) error {
	count := int((size + ossPartSize - 1) / ossPartSize)
	logrus.Debugf("multipart upload of %s in %d parts", objectKey, count)

	imur, err := b.bucket.InitiateMultipartUpload(objectKey)
	if err != nil {
		return errors.Wrap(err, "initiate multipart upload")
	}

	parts := make([]oss.UploadPart, count)
	eg := errgroup.Group{}
	eg.SetLimit(ossPartUploads)
	for i := range parts {
		i := i
		eg.Go(func() error {
			offset := int64(i) * ossPartSize
			length := size - offset
			if length > ossPartSize {
				length = ossPartSize
			}
			part, err := b.bucket.UploadPartFromFile(imur, archivePath, offset, length, i+1)
			if err != nil {
				return errors.Wrapf(err, "upload part %d of %s", i+1, objectKey)
			}
			parts[i] = part
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if abortErr := b.bucket.AbortMultipartUpload(imur); abortErr != nil {
			logrus.Warnf("abort multipart upload of %s: %s", objectKey, abortErr)
		}
		return err
	}

	// CompleteMultipartUpload wants the parts ordered; the slice is
	// indexed by part number already.
	if _, err := b.bucket.CompleteMultipartUpload(imur, parts); err != nil {
		return errors.Wrap(err, "complete multipart upload")
	}
	return nil
}

func (b *OSSBackend) verifyUpload(objectKey string, sum uint64) error {
	meta, err := b.bucket.GetObjectDetailedMeta(objectKey)
	if err != nil {
		return errors.Wrap(err, "fetch uploaded archive meta")
	}

	remote := meta.Get("x-oss-hash-crc64ecma")
	if remote == "" {
		logrus.Warnf("service returned no crc64 for %s, skipping verification", objectKey)
		return nil
	}
	remoteSum, err := strconv.ParseUint(remote, 10, 64)
	if err != nil {
		return errors.Wrap(err, "parse service crc64")
	}
	if remoteSum != sum {
		return errors.Errorf("archive %s corrupted in transit: crc64 %d on the service, %d locally",
			objectKey, remoteSum, sum)
	}
	return nil
}

func (b *OSSBackend) Check(archiveID string) (bool, error) {
	return b.bucket.IsObjectExist(b.objectPrefix + archiveID)
}

func (b *OSSBackend) Type() Type {
	return OssBackend
}
