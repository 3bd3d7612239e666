package tempaccess

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/audit"
	"github.com/dataup/cvat-gateway/internal/media"
	"github.com/dataup/cvat-gateway/internal/metrics"
	"github.com/dataup/cvat-gateway/internal/obfuscate"
)

// Policy holds the token timing rules.
type Policy struct {
	// Attempts bounds cache reads per lookup, including the first one.
	Attempts int
	// BaseDelay is the first retry delay of the default exponential backoff.
	BaseDelay time.Duration
	// A token read with less than ExtendThreshold remaining gets a new
	// expiry of now+ExtendBy.
	ExtendThreshold time.Duration
	ExtendBy        time.Duration
	// IssueTTL is used by Issue when no TTL is given.
	IssueTTL       time.Duration
	MaxBatchFrames int
}

// DefaultPolicy returns 3 attempts from 100ms doubling, extension by 300s
// below 60s remaining.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        3,
		BaseDelay:       100 * time.Millisecond,
		ExtendThreshold: 60 * time.Second,
		ExtendBy:        300 * time.Second,
		IssueTTL:        300 * time.Second,
		MaxBatchFrames:  1000,
	}
}

// Service issues, resolves and serves temporary access tokens.
type Service struct {
	cache    Cache
	provider media.Provider
	policy   Policy
	now      func() time.Time
	backoff  func() retry.Backoff
	logger   *zap.Logger
	audit    *audit.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBackoff replaces the delay schedule between cache reads. The number of
// reads stays bounded by Policy.Attempts.
func WithBackoff(f func() retry.Backoff) Option {
	return func(s *Service) { s.backoff = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// NewService creates a Service reading tokens from cache and media from provider.
func NewService(cache Cache, provider media.Provider, opts ...Option) *Service {
	s := &Service{
		cache:    cache,
		provider: provider,
		policy:   DefaultPolicy(),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Attempts < 1 {
		s.policy.Attempts = 1
	}
	if s.backoff == nil {
		base := s.policy.BaseDelay
		s.backoff = func() retry.Backoff {
			if base <= 0 {
				return retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
			}
			return retry.NewExponential(base)
		}
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Issue stores d under a new UUIDv7 token valid for ttl (Policy.IssueTTL when zero).
func (s *Service) Issue(ctx context.Context, kind Kind, d Descriptor, ttl time.Duration) (string, error) {
	if err := d.validate(kind, s.policy.MaxBatchFrames); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.policy.IssueTTL
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := id.String()
	d.Expiry = s.now().Add(ttl).Unix()
	if err := s.store(ctx, kind.CacheKey(token), d, ttl); err != nil {
		return "", err
	}

	res, _ := d.Resource()
	s.record(ctx, audit.NewEvent(audit.ActionTempAccessIssue, audit.ActorSystem, audit.ResultSuccess).
		WithToken(token).
		WithDetail("kind", string(kind)).
		WithDetail("resource", res.String()).
		WithDetail("expiry", d.Expiry))
	return token, nil
}

// Invalidate removes a token.
func (s *Service) Invalidate(ctx context.Context, kind Kind, token string) error {
	if err := s.cache.Delete(ctx, kind.CacheKey(token)); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// Lookup resolves a token. Cache misses are retried up to Policy.Attempts
// times before ErrTokenNotFound. A token at or past its expiry is deleted and
// ErrTokenExpired returned. A token with less than ExtendThreshold left is
// extended and rewritten before it is returned with Freshness Extended.
func (s *Service) Lookup(ctx context.Context, kind Kind, token string) (Descriptor, Freshness, error) {
	key := kind.CacheKey(token)
	log := s.logger.With(zap.String("token", obfuscate.Token(token)), zap.String("kind", string(kind)))

	attempts := s.policy.Attempts
	backoff := retry.WithMaxRetries(uint64(attempts-1), s.backoff())
	attempt := 0
	raw, err := retry.DoValue(ctx, backoff, func(ctx context.Context) ([]byte, error) {
		attempt++
		b, err := s.cache.Get(ctx, key)
		if errors.Is(err, ErrCacheMiss) {
			if attempt < attempts {
				log.Warn("token lookup failed", zap.Int("attempt", attempt), zap.Int("max_attempts", attempts))
				metrics.TempAccessRetries.Inc()
			}
			return nil, retry.RetryableError(err)
		}
		return b, err
	})
	if errors.Is(err, ErrCacheMiss) {
		log.Error("token not found", zap.Int("attempts", attempts))
		metrics.TempAccessLookups.WithLabelValues(string(kind), "missing").Inc()
		return Descriptor{}, Active, ErrTokenNotFound
	}
	if err != nil {
		metrics.TempAccessLookups.WithLabelValues(string(kind), "error").Inc()
		return Descriptor{}, Active, fmt.Errorf("failed to read token: %w", err)
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Warn("malformed token payload", zap.Error(err))
		metrics.TempAccessLookups.WithLabelValues(string(kind), "invalid").Inc()
		return Descriptor{}, Active, ErrInvalidToken
	}

	now := s.now()
	if now.Unix() >= d.Expiry {
		if err := s.cache.Delete(ctx, key); err != nil {
			log.Warn("failed to evict expired token", zap.Error(err))
		}
		log.Info("token expired")
		metrics.TempAccessLookups.WithLabelValues(string(kind), "expired").Inc()
		s.record(ctx, audit.NewEvent(audit.ActionTempAccessExpire, audit.ActorAnonymous, audit.ResultSuccess).
			WithToken(token).WithDetail("kind", string(kind)))
		return Descriptor{}, Active, ErrTokenExpired
	}

	freshness := Active
	remaining := time.Duration(d.Expiry-now.Unix()) * time.Second
	if remaining < s.policy.ExtendThreshold {
		d.Expiry = now.Add(s.policy.ExtendBy).Unix()
		if err := s.store(ctx, key, d, s.policy.ExtendBy); err != nil {
			metrics.TempAccessLookups.WithLabelValues(string(kind), "error").Inc()
			return Descriptor{}, Active, err
		}
		freshness = Extended
		log.Info("token extended", zap.Int64("expiry", d.Expiry))
		s.record(ctx, audit.NewEvent(audit.ActionTempAccessExtend, audit.ActorAnonymous, audit.ResultSuccess).
			WithToken(token).WithDetail("kind", string(kind)).WithDetail("expiry", d.Expiry))
	}

	if _, err := d.Resource(); err != nil {
		metrics.TempAccessLookups.WithLabelValues(string(kind), "invalid").Inc()
		return Descriptor{}, freshness, err
	}
	metrics.TempAccessLookups.WithLabelValues(string(kind), freshness.String()).Inc()
	return d, freshness, nil
}

// ServeFrame fetches the single item described by d. For frames the name is
// frame_<n>.jpg and the content type defaults to image/jpeg.
// A missing task or job yields media.ErrResourceNotFound.
func (s *Service) ServeFrame(ctx context.Context, d Descriptor) (*media.Media, error) {
	res, err := d.Resource()
	if err != nil {
		return nil, err
	}
	src, err := s.provider.Open(ctx, res)
	if err != nil {
		return nil, err
	}
	m, err := src.Fetch(ctx, d.Request())
	if err != nil {
		return nil, err
	}
	if d.DataType == media.DataFrame {
		n := "frame"
		if d.DataNum != nil {
			n = fmt.Sprint(*d.DataNum)
		}
		m.Name = "frame_" + n + ".jpg"
		if m.ContentType == "" {
			m.ContentType = "image/jpeg"
		}
	}
	return m, nil
}

// Archive is a zip of batch frames held in memory.
type Archive struct {
	Name   string
	Data   []byte
	Frames int
	Failed int
}

// BuildArchive fetches every frame in d.FrameNumbers into a deflated zip.
// Frames are named frame_%06d.<ext> with the extension taken from the
// content type. A frame that fails becomes error_frame_<n>.txt holding the
// error and the remaining frames are still written. Only a missing resource
// or a cancelled context fails the whole archive.
func (s *Service) BuildArchive(ctx context.Context, d Descriptor) (*Archive, error) {
	res, err := d.Resource()
	if err != nil {
		return nil, err
	}
	src, err := s.provider.Open(ctx, res)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := s.now()
	archive := &Archive{Name: fmt.Sprintf("%s_%d_frames.zip", res.Kind, res.ID)}

	for _, n := range d.FrameNumbers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, data := s.archiveEntry(ctx, src, n, d.Quality())
		if name == "" {
			archive.Failed++
			metrics.BatchFrames.WithLabelValues("error").Inc()
			name = fmt.Sprintf("error_frame_%d.txt", n)
		} else {
			archive.Frames++
			metrics.BatchFrames.WithLabelValues("ok").Inc()
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	archive.Data = buf.Bytes()

	s.record(ctx, audit.NewEvent(audit.ActionTempAccessBatch, audit.ActorAnonymous, audit.ResultSuccess).
		WithDetail("resource", res.String()).
		WithDetail("frames", archive.Frames).
		WithDetail("failed", archive.Failed))
	return archive, nil
}

// archiveEntry returns the entry name and content for frame n, or an empty
// name and the error text when the frame could not be fetched.
func (s *Service) archiveEntry(ctx context.Context, src media.Source, n int, quality string) (string, []byte) {
	m, err := src.Fetch(ctx, media.Frame(n, quality))
	if err != nil {
		s.logger.Warn("batch frame failed", zap.Int("frame", n), zap.Error(err))
		return "", []byte(fmt.Sprintf("Error retrieving frame %d: %v", n, err))
	}
	ct := m.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return media.FrameFilename(n, media.ExtensionFor(ct)), m.Data
}

func (s *Service) store(ctx context.Context, key string, d Descriptor, ttl time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.cache.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, ev *audit.Event) {
	if err := s.audit.Log(ev.FromContext(ctx)); err != nil {
		s.logger.Warn("failed to write audit event", zap.String("action", ev.Action), zap.Error(err))
	}
}
