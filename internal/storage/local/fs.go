// Package local serves a directory of the local disk as a file source,
// for example a downloaded task output folder.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// ParamPath is the Params key of Get.
const ParamPath = "path"

// Store lists and deletes files below a root directory. Names are slash
// separated and relative to the root.
type Store struct {
	root string
}

// New creates a store rooted at dir.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// clean confines p to the root.
func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}

func (s *Store) abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(clean(p)))
}

// List lists opts.Folder. PageSize splits the listing into pages; the
// nextLink carries the offset.
func (s *Store) List(ctx context.Context, _ models.Params, opts models.ListOptions) (getter.Page[models.File], error) {
	return s.page(ctx, clean(opts.Folder), opts.Recursive, opts.MaxResults(), 0)
}

// ListNext follows a nextLink returned by List.
func (s *Store) ListNext(ctx context.Context, nextLink string) (getter.Page[models.File], error) {
	q, err := url.ParseQuery(nextLink)
	if err != nil {
		return getter.Page[models.File]{}, fmt.Errorf("decode continuation: %w", err)
	}
	size, _ := strconv.Atoi(q.Get("size"))
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil {
		return getter.Page[models.File]{}, fmt.Errorf("decode continuation: %w", err)
	}
	return s.page(ctx, clean(q.Get("folder")), q.Get("recursive") == "true", size, offset)
}

func (s *Store) page(ctx context.Context, folder string, recursive bool, size, offset int) (getter.Page[models.File], error) {
	all, err := s.scan(ctx, folder, recursive)
	if err != nil {
		return getter.Page[models.File]{}, err
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if size > 0 && offset+size < end {
		end = offset + size
	}
	page := getter.Page[models.File]{Items: all[offset:end]}
	if end < len(all) {
		page.NextLink = url.Values{
			"folder":    {folder},
			"recursive": {strconv.FormatBool(recursive)},
			"size":      {strconv.Itoa(size)},
			"offset":    {strconv.Itoa(end)},
		}.Encode()
	}
	return page, nil
}

func (s *Store) scan(ctx context.Context, folder string, recursive bool) ([]models.File, error) {
	dir := s.abs(folder)
	var out []models.File
	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, translate(err)
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileOf(path.Join(folder, e.Name()), info))
		}
		return out, nil
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(s.root, p)
		out = append(out, fileOf(filepath.ToSlash(rel), info))
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func fileOf(name string, info fs.FileInfo) models.File {
	f := models.File{
		Name:         name,
		IsDirectory:  info.IsDir(),
		LastModified: info.ModTime(),
	}
	if !f.IsDirectory {
		f.ContentLength = info.Size()
	}
	return f
}

// Get stats the file at params[ParamPath].
func (s *Store) Get(_ context.Context, params models.Params) (models.File, error) {
	name := clean(params[ParamPath])
	info, err := os.Stat(s.abs(name))
	if err != nil {
		return models.File{}, translate(err)
	}
	return fileOf(name, info), nil
}

// Delete removes one file.
func (s *Store) Delete(_ context.Context, p string) error {
	name := clean(p)
	if name == "" {
		return errors.New("refusing to delete the root")
	}
	if err := os.Remove(s.abs(name)); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Join(getter.ErrNotFound, err)
	}
	return err
}
