// Package tempaccess serves task and job media through short-lived opaque
// tokens. A token maps to a Descriptor stored in a shared cache; reading a
// token close to its expiry slides the expiry forward.
package tempaccess

import (
	"errors"
	"fmt"
	"time"

	"github.com/dataup/cvat-gateway/internal/media"
)

var (
	ErrTokenNotFound = errors.New("token not found or expired")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token data")
	// ErrInvalidDescriptor rejects descriptors at issue time.
	ErrInvalidDescriptor = errors.New("invalid token descriptor")
)

// Kind separates single-item tokens from batch tokens. They live under
// different cache prefixes and are not interchangeable.
type Kind string

const (
	KindSingle Kind = "single"
	KindBatch  Kind = "batch"
)

const (
	singlePrefix = "temp_access:"
	batchPrefix  = "temp_access_batch:"
)

// CacheKey returns the cache key holding token.
func (k Kind) CacheKey(token string) string {
	if k == KindBatch {
		return batchPrefix + token
	}
	return singlePrefix + token
}

// Freshness reports what a lookup did to the token.
type Freshness int

const (
	Active Freshness = iota
	Extended
)

func (f Freshness) String() string {
	if f == Extended {
		return "extended"
	}
	return "active"
}

// Descriptor is the cached payload of a token. Expiry is in epoch seconds.
type Descriptor struct {
	TaskID       *int64 `json:"task_id,omitempty"`
	JobID        *int64 `json:"job_id,omitempty"`
	DataType     string `json:"data_type,omitempty"`
	DataNum      *int   `json:"data_num,omitempty"`
	DataIndex    *int   `json:"data_index,omitempty"`
	DataQuality  string `json:"data_quality,omitempty"`
	FrameNumbers []int  `json:"frame_numbers,omitempty"`
	Expiry       int64  `json:"expiry"`
}

// ForTask and ForJob start a descriptor for the given resource.
func ForTask(id int64) Descriptor { return Descriptor{TaskID: &id} }
func ForJob(id int64) Descriptor  { return Descriptor{JobID: &id} }

// Resource returns the task or job the descriptor points at. A task
// reference wins when both are present.
func (d Descriptor) Resource() (media.Resource, error) {
	switch {
	case d.TaskID != nil:
		return media.Resource{Kind: media.KindTask, ID: *d.TaskID}, nil
	case d.JobID != nil:
		return media.Resource{Kind: media.KindJob, ID: *d.JobID}, nil
	default:
		return media.Resource{}, ErrInvalidToken
	}
}

// Quality returns the requested quality, "compressed" when unset.
func (d Descriptor) Quality() string {
	if d.DataQuality == "" {
		return media.QualityCompressed
	}
	return d.DataQuality
}

// Request converts the descriptor into a media request.
func (d Descriptor) Request() media.Request {
	return media.Request{
		DataType: d.DataType,
		Number:   d.DataNum,
		Index:    d.DataIndex,
		Quality:  d.Quality(),
	}
}

// ExpiresAt returns Expiry as a time.
func (d Descriptor) ExpiresAt() time.Time {
	return time.Unix(d.Expiry, 0).UTC()
}

func (d Descriptor) validate(kind Kind, maxFrames int) error {
	if _, err := d.Resource(); err != nil {
		return fmt.Errorf("%w: task_id or job_id is required", ErrInvalidDescriptor)
	}
	if kind == KindBatch {
		if len(d.FrameNumbers) == 0 {
			return fmt.Errorf("%w: frame_numbers is required", ErrInvalidDescriptor)
		}
		if maxFrames > 0 && len(d.FrameNumbers) > maxFrames {
			return fmt.Errorf("%w: too many frame_numbers", ErrInvalidDescriptor)
		}
		return nil
	}
	if d.DataType == "" {
		return fmt.Errorf("%w: data_type is required", ErrInvalidDescriptor)
	}
	return nil
}
