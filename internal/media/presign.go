package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/metrics"
)

// PresignAPI is the subset of *s3.PresignClient used by Presigner.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

const (
	presignKeyPrefix   = "cvat:frame:url:"
	presignCacheMargin = 30 * time.Second
	presignCacheFloor  = 60 * time.Second
)

// Presigner mints time-limited GET URLs for frames stored in S3 and caches
// them in Redis so repeated requests reuse one signature.
type Presigner struct {
	provider *S3Provider
	signer   PresignAPI
	cache    redis.Cmdable
	ttl      time.Duration
	logger   *zap.Logger
}

// NewPresigner creates a Presigner. cache may be nil to disable caching.
func NewPresigner(provider *S3Provider, signer PresignAPI, cache redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Presigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presigner{provider: provider, signer: signer, cache: cache, ttl: ttl, logger: logger}
}

// CacheTTL is how long a URL signed for ttl stays cached: ttl-30s, at least 60s.
func CacheTTL(ttl time.Duration) time.Duration {
	if d := ttl - presignCacheMargin; d > presignCacheFloor {
		return d
	}
	return presignCacheFloor
}

// presignCacheKey returns cvat:frame:url:<task_id>:<frame> for compressed
// task frames, the key CVAT itself writes. Job frames carry a "job:" segment
// and original-quality URLs an ":original" suffix.
func presignCacheKey(res Resource, frame int, quality string) string {
	key := fmt.Sprintf("%s%d:%d", presignKeyPrefix, res.ID, frame)
	if res.Kind != KindTask {
		key = fmt.Sprintf("%s%s:%d:%d", presignKeyPrefix, res.Kind, res.ID, frame)
	}
	if quality == QualityOriginal {
		key += ":" + QualityOriginal
	}
	return key
}

// FrameURL returns a presigned URL for a frame of res.
func (p *Presigner) FrameURL(ctx context.Context, res Resource, frame int, quality string) (string, error) {
	cacheKey := presignCacheKey(res, frame, quality)
	if p.cache != nil {
		url, err := p.cache.Get(ctx, cacheKey).Result()
		switch {
		case err == nil && url != "":
			metrics.PresignCache.WithLabelValues("hit").Inc()
			return url, nil
		case err != nil && !errors.Is(err, redis.Nil):
			p.logger.Warn("presign cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
		metrics.PresignCache.WithLabelValues("miss").Inc()
	}

	if _, err := p.provider.Open(ctx, res); err != nil {
		return "", err
	}
	key, err := p.provider.locate(ctx, res, Frame(frame, quality))
	if err != nil {
		return "", err
	}
	signed, err := p.signer.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.provider.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, signed.URL, CacheTTL(p.ttl)).Err(); err != nil {
			p.logger.Warn("presign cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return signed.URL, nil
}

// TTL is the validity of the URLs the Presigner signs.
func (p *Presigner) TTL() time.Duration { return p.ttl }
