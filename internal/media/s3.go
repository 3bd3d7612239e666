package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3Provider.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config holds the bucket location and credentials.
// Empty credentials fall back to the default AWS credential chain.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Provider serves media from a bucket using the FSProvider layout below Prefix.
type S3Provider struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Provider creates a provider over client.
func NewS3Provider(client S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (p *S3Provider) key(rel string) string {
	if p.prefix == "" {
		return rel
	}
	return path.Join(p.prefix, rel)
}

// Open checks that at least one object exists below the resource prefix.
func (p *S3Provider) Open(ctx context.Context, res Resource) (Source, error) {
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.key(res.dir()) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", res, err)
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, res)
	}
	return &s3Source{p: p, res: res}, nil
}

// locate returns the key of the first existing candidate.
func (p *S3Provider) locate(ctx context.Context, res Resource, req Request) (string, error) {
	paths, err := candidates(res, req)
	if err != nil {
		return "", err
	}
	for _, rel := range paths {
		key := p.key(rel)
		_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
		if isMissing(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", key, err)
		}
		return key, nil
	}
	return "", fmt.Errorf("%w: %s of %s", ErrMediaNotFound, req.DataType, res)
}

type s3Source struct {
	p   *S3Provider
	res Resource
}

func (s *s3Source) Fetch(ctx context.Context, req Request) (*Media, error) {
	paths, err := candidates(s.res, req)
	if err != nil {
		return nil, err
	}
	for _, rel := range paths {
		key := s.p.key(rel)
		out, err := s.p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.p.bucket), Key: aws.String(key)})
		if isMissing(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", key, err)
		}
		data, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		name := path.Base(rel)
		ct := aws.ToString(out.ContentType)
		if ct == "" || ct == "binary/octet-stream" {
			ct = ContentTypeFor(name)
		}
		return &Media{Data: data, ContentType: ct, Name: name}, nil
	}
	return nil, fmt.Errorf("%w: %s of %s", ErrMediaNotFound, req.DataType, s.res)
}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
