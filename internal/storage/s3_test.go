package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	pages   [][]string
	calls   int
	listErr error
	puts    map[string][]byte
	types   map[string]string
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.puts[*in.Key] = data
	f.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.calls
	if page > 0 && aws.ToString(in.ContinuationToken) == "" {
		return nil, errors.New("missing continuation token")
	}
	f.calls++

	out := &s3.ListObjectsV2Output{}
	for _, key := range f.pages[page] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	if page < len(f.pages)-1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String("next")
	}
	return out, nil
}

func TestBucket_ListFilesWithPrefix(t *testing.T) {
	fake := &fakeBucket{pages: [][]string{
		{"kb/a.txt", "kb/b.txt"},
		{"kb/c.csv"},
	}}
	b := NewBucket(fake, "docs")

	keys, err := b.ListFilesWithPrefix(context.Background(), "kb/")
	require.NoError(t, err)
	assert.Equal(t, []string{"kb/a.txt", "kb/b.txt", "kb/c.csv"}, keys)
	assert.Equal(t, 2, fake.calls)
}

func TestBucket_ListFilesWithPrefix_Error(t *testing.T) {
	b := NewBucket(&fakeBucket{listErr: errors.New("denied")}, "docs")

	_, err := b.ListFilesWithPrefix(context.Background(), "kb/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestBucket_PutJSON(t *testing.T) {
	fake := &fakeBucket{}
	b := NewBucket(fake, "docs")

	require.NoError(t, b.PutJSON(context.Background(), "reports/r1.json", map[string]int{"documents": 2}))

	var got map[string]int
	require.NoError(t, json.Unmarshal(fake.puts["reports/r1.json"], &got))
	assert.Equal(t, 2, got["documents"])
	assert.Equal(t, "application/json", fake.types["reports/r1.json"])
}
