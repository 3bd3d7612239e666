package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FSProvider serves media from a directory tree:
//
//	<root>/tasks/<id>/<quality>/frame_000000.jpg
//	<root>/tasks/<id>/<quality>/chunks/<n>.zip
//	<root>/tasks/<id>/preview.jpg
//
// Jobs use the same layout under <root>/jobs/<id>.
type FSProvider struct {
	root string
}

// NewFSProvider creates a provider rooted at dir.
func NewFSProvider(dir string) *FSProvider {
	return &FSProvider{root: dir}
}

// Open checks that the resource directory exists.
func (p *FSProvider) Open(_ context.Context, res Resource) (Source, error) {
	dir := filepath.Join(p.root, filepath.FromSlash(res.dir()))
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, res)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", res, err)
	}
	return &fsSource{root: p.root, res: res}, nil
}

type fsSource struct {
	root string
	res  Resource
}

func (s *fsSource) Fetch(ctx context.Context, req Request) (*Media, error) {
	paths, err := candidates(s.res, req)
	if err != nil {
		return nil, err
	}
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		name := path.Base(rel)
		return &Media{Data: data, ContentType: ContentTypeFor(name), Name: name}, nil
	}
	return nil, fmt.Errorf("%w: %s of %s", ErrMediaNotFound, req.DataType, s.res)
}
