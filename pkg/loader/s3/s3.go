package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/loader"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source is a loader.DocumentSource reading documents from an S3 bucket.
// Object contents are cached by key.
type S3Source struct {
	bucket string
	client objectGetter

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewS3Source creates a source on an existing client, typically the one
// built by internal/storage.
func NewS3Source(bucket string, client objectGetter) *S3Source {
	return &S3Source{
		bucket: bucket,
		client: client,
		cache:  make(map[string][]byte),
	}
}

var _ loader.DocumentSource = (*S3Source)(nil)

func (s *S3Source) GetText(ctx context.Context, key string) ([]byte, error) {
	return loader.Cached(&s.cacheMu, s.cache, &s.group, key, func() ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get object %s: %w", key, err)
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", key, err)
		}
		return buf.Bytes(), nil
	})
}
