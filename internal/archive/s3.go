// Package archive uploads evicted files to an S3 bucket before they
// are removed from disk. It is optional; when disabled, eviction just
// deletes.
package archive

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	appconfig "github.com/picstash/picstash/internal/config"
	"github.com/picstash/picstash/pkg/errors"
)

// s3API is the subset of the S3 client the archive uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads evicted content to a bucket keyed by category and
// content signature.
type S3Archive struct {
	client s3API
	bucket string
	prefix string
	log    *logrus.Entry
}

// New builds an archive from the AWS default credential chain.
func New(ctx context.Context, cfg appconfig.ArchiveConfig, log *logrus.Entry) (*S3Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to load AWS configuration").WithCause(err)
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.WithField("component", "archive"),
	}, nil
}

// Archive uploads one evicted file. The object key is
// <prefix>/<category>/<signature><ext>.
func (a *S3Archive) Archive(ctx context.Context, category, filename string, content []byte) error {
	key := path.Join(a.prefix, category, filename)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeStorageIO, "failed to archive %s", key).WithCause(err)
	}

	a.log.WithField("key", key).WithField("bytes", len(content)).Debug("evicted file archived")
	return nil
}
