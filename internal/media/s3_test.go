package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	contentType string
}

// fakeS3 is an in-memory bucket implementing S3API and PresignAPI.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	presigns int
	failGet  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) put(key, contentType string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, contentType: contentType}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if in.MaxKeys != nil && len(keys) > int(*in.MaxKeys) {
		keys = keys[:*in.MaxKeys]
	}
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}
	if obj.contentType != "" {
		out.ContentType = aws.String(obj.contentType)
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.mu.Lock()
	f.presigns++
	n := f.presigns
	f.mu.Unlock()
	u := url.URL{Scheme: "https", Host: aws.ToString(in.Bucket) + ".s3.test", Path: "/" + aws.ToString(in.Key)}
	q := u.Query()
	q.Set("X-Amz-Expires", opts.Expires.String())
	q.Set("sig", string(rune('a'+n-1)))
	u.RawQuery = q.Encode()
	return &v4.PresignedHTTPRequest{URL: u.String(), Method: "GET"}, nil
}

func TestS3Provider(t *testing.T) {
	fake := newFakeS3()
	fake.put("cvat/tasks/1/compressed/frame_000000.jpg", "image/jpeg", []byte("jpeg"))
	fake.put("cvat/tasks/1/compressed/frame_000001.png", "", []byte("png"))
	fake.put("cvat/tasks/1/compressed/frame_000002.jpg", "binary/octet-stream", []byte("raw"))

	p := NewS3Provider(fake, "frames", "/cvat/")
	ctx := context.Background()

	src, err := p.Open(ctx, Resource{Kind: KindTask, ID: 1})
	require.NoError(t, err)

	m, err := src.Fetch(ctx, Frame(0, ""))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), m.Data)
	assert.Equal(t, "image/jpeg", m.ContentType)

	m, err = src.Fetch(ctx, Frame(1, ""))
	require.NoError(t, err)
	assert.Equal(t, "image/png", m.ContentType, "falls back to the extension")

	m, err = src.Fetch(ctx, Frame(2, ""))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", m.ContentType)

	_, err = src.Fetch(ctx, Frame(3, ""))
	assert.ErrorIs(t, err, ErrMediaNotFound)

	_, err = p.Open(ctx, Resource{Kind: KindTask, ID: 11})
	assert.ErrorIs(t, err, ErrResourceNotFound)

	fake.failGet = errors.New("access denied")
	_, err = src.Fetch(ctx, Frame(0, ""))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMediaNotFound)
	assert.Contains(t, err.Error(), "access denied")
}

func TestCacheTTL(t *testing.T) {
	assert.Equal(t, 570*time.Second, CacheTTL(600*time.Second))
	assert.Equal(t, 60*time.Second, CacheTTL(80*time.Second))
	assert.Equal(t, 60*time.Second, CacheTTL(10*time.Second))
}

func TestPresigner_FrameURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	fake := newFakeS3()
	fake.put("tasks/4/compressed/frame_000003.png", "image/png", []byte("png"))
	p := NewPresigner(NewS3Provider(fake, "frames", ""), fake, client, 10*time.Minute, nil)
	ctx := context.Background()
	res := Resource{Kind: KindTask, ID: 4}

	first, err := p.FrameURL(ctx, res, 3, "")
	require.NoError(t, err)
	assert.Contains(t, first, "/tasks/4/compressed/frame_000003.png")
	assert.Contains(t, first, "X-Amz-Expires=10m0s")

	second, err := p.FrameURL(ctx, res, 3, "")
	require.NoError(t, err)
	assert.Equal(t, first, second, "served from cache")
	assert.Equal(t, 1, fake.presigns)

	key := "cvat:frame:url:4:3"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 570*time.Second, mr.TTL(key))

	mr.FastForward(571 * time.Second)
	third, err := p.FrameURL(ctx, res, 3, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, fake.presigns)

	_, err = p.FrameURL(ctx, res, 8, "")
	assert.ErrorIs(t, err, ErrMediaNotFound)

	_, err = p.FrameURL(ctx, Resource{Kind: KindTask, ID: 5}, 0, "")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestPresignCacheKey(t *testing.T) {
	assert.Equal(t, "cvat:frame:url:4:3", presignCacheKey(Resource{Kind: KindTask, ID: 4}, 3, ""))
	assert.Equal(t, "cvat:frame:url:4:3", presignCacheKey(Resource{Kind: KindTask, ID: 4}, 3, QualityCompressed))
	assert.Equal(t, "cvat:frame:url:4:3:original", presignCacheKey(Resource{Kind: KindTask, ID: 4}, 3, QualityOriginal))
	assert.Equal(t, "cvat:frame:url:job:4:3", presignCacheKey(Resource{Kind: KindJob, ID: 4}, 3, ""))
}

func TestPresigner_CacheUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	fake := newFakeS3()
	fake.put("tasks/4/compressed/frame_000000.jpg", "image/jpeg", []byte("jpeg"))
	p := NewPresigner(NewS3Provider(fake, "frames", ""), fake, client, time.Minute, nil)

	signed, err := p.FrameURL(context.Background(), Resource{Kind: KindTask, ID: 4}, 0, "")
	require.NoError(t, err, "a broken cache degrades to signing every time")
	assert.NotEmpty(t, signed)
}
