// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	s3PartSize    = 128 * 1024 * 1024
	s3PartUploads = 4
)

type S3Config struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	AccessKeySecret string `json:"access_key_secret,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Scheme          string `json:"scheme,omitempty"`
	BucketName      string `json:"bucket_name,omitempty"`
	Region          string `json:"region,omitempty"`
	ObjectPrefix    string `json:"object_prefix,omitempty"`
}

type S3Backend struct {
	// objectPrefix is the path prefix of the uploaded object.
	// For example, if the archiveID which should be uploaded is "backup.xbstream",
	// and the objectPrefix is "path/to/backups/", then the object key will be
	// "path/to/backups/backup.xbstream".
	objectPrefix       string
	bucketName         string
	endpointWithScheme string
	client             *s3.Client
}

func newS3Backend(rawConfig []byte) (*S3Backend, error) {
	cfg := &S3Config{}
	if err := json.Unmarshal(rawConfig, cfg); err != nil {
		return nil, errors.Wrap(err, "parse S3 storage backend configuration")
	}
	if cfg.BucketName == "" || cfg.Region == "" {
		return nil, fmt.Errorf("invalid S3 configuration: missing 'bucket_name' or 'region'")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	endpointWithScheme := fmt.Sprintf("%s://%s", cfg.Scheme, cfg.Endpoint)

	awsConfig, err := awscfg.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, errors.Wrap(err, "load default AWS config")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.EndpointResolver = s3.EndpointResolverFromURL(endpointWithScheme)
		o.Region = cfg.Region
		o.UsePathStyle = true
		if cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")
		}
	})

	return &S3Backend{
		objectPrefix:       cfg.ObjectPrefix,
		bucketName:         cfg.BucketName,
		endpointWithScheme: endpointWithScheme,
		client:             client,
	}, nil
}

// Upload streams the spooled archive into the bucket through the SDK
// upload manager. S3 has no CRC64 counterpart to the spool sum, so
// integrity relies on the SDK's per-part CRC32 checksums instead. An
// existing object of the archive's exact size is taken as the same
// upload and skipped; a size mismatch means an interrupted or stale
// upload and is overwritten.
func (b *S3Backend) Upload(ctx context.Context, archiveID, archivePath string, _ uint64, forcePush bool) error {
	objectKey := b.objectKey(archiveID)

	info, err := os.Stat(archivePath)
	if err != nil {
		return errors.Wrap(err, "stat spooled archive")
	}

	if !forcePush {
		head, err := b.head(ctx, objectKey)
		if err != nil {
			return errors.Wrap(err, "probe archive object")
		}
		if head != nil {
			if head.ContentLength == info.Size() {
				logrus.Infof("archive %s already uploaded, skipping", archiveID)
				return nil
			}
			logrus.Warnf("archive %s exists with size %d, expected %d, re-uploading",
				archiveID, head.ContentLength, info.Size())
		}
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "open spooled archive")
	}
	defer archive.Close()

	start := time.Now()
	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.PartSize = s3PartSize
		u.Concurrency = s3PartUploads
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(b.bucketName),
		Key:               aws.String(objectKey),
		Body:              archive,
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32,
	})
	if err != nil {
		return errors.Wrap(err, "upload archive")
	}

	logrus.Infof("uploaded archive %s to %s in %s", archiveID, b.remoteID(objectKey), time.Since(start))
	return nil
}

func (b *S3Backend) Check(archiveID string) (bool, error) {
	head, err := b.head(context.TODO(), b.objectKey(archiveID))
	if err != nil {
		return false, err
	}
	return head != nil, nil
}

func (b *S3Backend) Type() Type {
	return S3backend
}

// head returns the object's metadata, or nil when it does not exist.
func (b *S3Backend) head(ctx context.Context, objectKey string) (*s3.HeadObjectOutput, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey),
	})
	if err == nil {
		return out, nil
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return nil, nil
	}
	return nil, err
}

func (b *S3Backend) objectKey(archiveID string) string {
	return b.objectPrefix + archiveID
}

func (b *S3Backend) remoteID(objectKey string) string {
	remoteURL, _ := url.Parse(b.endpointWithScheme)
	remoteURL.Path = path.Join(remoteURL.Path, b.bucketName, objectKey)
	return remoteURL.String()
}
