// Package media locates frame, chunk and preview data for CVAT tasks and jobs.
// Storage is abstracted behind Provider so the same temporary access code serves
// files from a local directory tree or from an S3 bucket.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var (
	// ErrResourceNotFound is returned by Provider.Open when the task or job does not exist.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrMediaNotFound is returned by Source.Fetch when the requested item is absent.
	ErrMediaNotFound = errors.New("media not found")
	// ErrInvalidRequest is returned for unknown data types or missing frame numbers.
	ErrInvalidRequest = errors.New("invalid media request")
)

// Kind is the resource type that owns the media.
type Kind string

const (
	KindTask Kind = "task"
	KindJob  Kind = "job"
)

// Title returns "Task" or "Job", as used in user facing messages.
func (k Kind) Title() string {
	if k == KindJob {
		return "Job"
	}
	return "Task"
}

func (k Kind) dir() string {
	return string(k) + "s"
}

// Resource identifies a task or job.
type Resource struct {
	Kind Kind
	ID   int64
}

func (r Resource) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

func (r Resource) dir() string {
	return path.Join(r.Kind.dir(), strconv.FormatInt(r.ID, 10))
}

// Data types.
const (
	DataFrame   = "frame"
	DataChunk   = "chunk"
	DataPreview = "preview"
)

// Qualities.
const (
	QualityCompressed = "compressed"
	QualityOriginal   = "original"
)

// Request selects one item of a resource. Number is the frame or chunk
// number; Index is the job-relative chunk index and wins over Number for jobs.
type Request struct {
	DataType string
	Number   *int
	Index    *int
	Quality  string
}

// Frame builds a frame request.
func Frame(n int, quality string) Request {
	return Request{DataType: DataFrame, Number: &n, Quality: quality}
}

func (r Request) quality() string {
	if r.Quality == "" {
		return QualityCompressed
	}
	return r.Quality
}

// Media is a fetched item.
type Media struct {
	Data        []byte
	ContentType string
	Name        string
}

// Provider opens resources.
type Provider interface {
	Open(ctx context.Context, res Resource) (Source, error)
}

// Source fetches items of one opened resource.
type Source interface {
	Fetch(ctx context.Context, req Request) (*Media, error)
}

var frameExtensions = []string{"jpg", "png", "gif"}

// candidates lists the object paths, relative to the provider root, that may
// hold the requested item, in lookup order.
func candidates(res Resource, req Request) ([]string, error) {
	q := req.quality()
	if q != QualityCompressed && q != QualityOriginal {
		return nil, fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, q)
	}
	base := res.dir()

	switch req.DataType {
	case DataFrame:
		if req.Number == nil {
			return nil, fmt.Errorf("%w: frame number is required", ErrInvalidRequest)
		}
		out := make([]string, 0, len(frameExtensions))
		for _, ext := range frameExtensions {
			out = append(out, path.Join(base, q, FrameFilename(*req.Number, ext)))
		}
		return out, nil
	case DataChunk:
		n := req.Number
		if res.Kind == KindJob && req.Index != nil {
			n = req.Index
		}
		if n == nil {
			return nil, fmt.Errorf("%w: chunk number is required", ErrInvalidRequest)
		}
		return []string{path.Join(base, q, "chunks", strconv.Itoa(*n)+".zip")}, nil
	case DataPreview:
		return []string{path.Join(base, "preview.jpg"), path.Join(base, "preview.png")}, nil
	default:
		return nil, fmt.Errorf("%w: unknown data type %q", ErrInvalidRequest, req.DataType)
	}
}

// FrameFilename returns the canonical frame file name, e.g. frame_000012.jpg.
func FrameFilename(n int, ext string) string {
	return fmt.Sprintf("frame_%06d.%s", n, ext)
}

// ContentTypeFor maps a file name to its media type.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// ExtensionFor picks the archive extension for a content type: png, gif or jpg.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "gif"):
		return "gif"
	default:
		return "jpg"
	}
}
