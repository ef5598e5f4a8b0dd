package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// DefaultRoot is the storage root used when none is configured.
const DefaultRoot = "registry"

var (
	// ErrPathEscapesRoot is returned for logical paths that are absolute or
	// resolve outside the storage root.
	ErrPathEscapesRoot = errors.New("path escapes registry root")
	// ErrNotDir is returned by Mkdir when the path exists but is not a directory.
	ErrNotDir = errors.New("path exists and is not a directory")
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// Registry is a file-backed key/value store. Logical paths are joined under
// a fixed root; entries carry nothing but their content.
// Operations are independently atomic only to the extent the underlying
// filesystem call is; concurrent writers to one path race, last writer wins.
type Registry struct {
	fs   afero.Fs
	root string
}

// New returns a Registry rooted at root on the given filesystem.
func New(base afero.Fs, root string) *Registry {
	if root == "" {
		root = DefaultRoot
	}
	return &Registry{fs: afero.NewBasePathFs(base, root), root: root}
}

// NewOS returns a Registry rooted at root on the host filesystem.
func NewOS(root string) *Registry { return New(afero.NewOsFs(), root) }

// Root returns the configured storage root.
func (r *Registry) Root() string { return r.root }

// resolve validates a logical path and returns it in filesystem form relative
// to the root.
func resolve(p string) (string, error) {
	if p == "" {
		return ".", nil
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, p)
	}
	return clean, nil
}

// Mkdir ensures a directory and all its ancestors exist. It reports
// MkdirCreated for a fresh directory and MkdirUnchanged when the directory
// was already there; only other failures yield MkdirFailed.
func (r *Registry) Mkdir(ctx context.Context, path string) MkdirOutcome {
	if err := ctx.Err(); err != nil {
		return MkdirOutcome{Code: MkdirFailed, Err: err}
	}
	p, err := resolve(path)
	if err != nil {
		return MkdirOutcome{Code: MkdirFailed, Err: err}
	}
	info, err := r.fs.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return MkdirOutcome{Code: MkdirUnchanged}
	case err == nil:
		return MkdirOutcome{Code: MkdirFailed, Err: fmt.Errorf("mkdir %s: %w", path, ErrNotDir)}
	case !errors.Is(err, fs.ErrNotExist):
		return MkdirOutcome{Code: MkdirFailed, Err: fmt.Errorf("mkdir %s: %w", path, err)}
	}
	if err := r.fs.MkdirAll(p, dirPerm); err != nil {
		return MkdirOutcome{Code: MkdirFailed, Err: fmt.Errorf("mkdir %s: %w", path, err)}
	}
	return MkdirOutcome{Code: MkdirCreated}
}

// Write creates or fully overwrites the entry at path. Missing parent
// directories are not created.
func (r *Registry) Write(ctx context.Context, path, content string) WriteOutcome {
	if err := ctx.Err(); err != nil {
		return WriteOutcome{Code: WriteFailed, Err: err}
	}
	p, err := resolve(path)
	if err != nil {
		return WriteOutcome{Code: WriteFailed, Err: err}
	}
	if err := afero.WriteFile(r.fs, p, []byte(content), filePerm); err != nil {
		return WriteOutcome{Code: WriteFailed, Err: fmt.Errorf("write %s: %w", path, err)}
	}
	return WriteOutcome{Code: WriteOK}
}

// Read returns the full content of the entry at path.
func (r *Registry) Read(ctx context.Context, path string) ReadOutcome {
	if err := ctx.Err(); err != nil {
		return ReadOutcome{Code: ReadFailed, Err: err}
	}
	p, err := resolve(path)
	if err != nil {
		return ReadOutcome{Code: ReadFailed, Err: err}
	}
	b, err := afero.ReadFile(r.fs, p)
	if err != nil {
		code := ReadFailed
		if errors.Is(err, fs.ErrNotExist) {
			code = ReadNotFound
		}
		return ReadOutcome{Code: code, Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return ReadOutcome{Code: ReadOK, Value: string(b)}
}

// Delete removes the entry at path, recursively for directories. Deleting
// a path that does not exist succeeds.
func (r *Registry) Delete(ctx context.Context, path string) DeleteOutcome {
	if err := ctx.Err(); err != nil {
		return DeleteOutcome{Code: DeleteFailed, Err: err}
	}
	p, err := resolve(path)
	if err != nil {
		return DeleteOutcome{Code: DeleteFailed, Err: err}
	}
	if p == "." {
		return DeleteOutcome{Code: DeleteFailed, Err: fmt.Errorf("delete: refusing to remove registry root")}
	}
	if _, err := r.fs.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return DeleteOutcome{Code: DeleteOK}
	}
	if err := r.fs.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return DeleteOutcome{Code: DeleteFailed, Err: fmt.Errorf("delete %s: %w", path, err)}
	}
	return DeleteOutcome{Code: DeleteOK}
}

// ReadOrCreate returns the content at path when it can be read. Otherwise it
// writes def and reports the write's result. The read and the write are not
// atomic; a concurrent writer in between is silently overwritten.
func (r *Registry) ReadOrCreate(ctx context.Context, path, def string) ReadOrCreateOutcome {
	if got := r.Read(ctx, path); got.OK() {
		return ReadOrCreateOutcome{Code: ReadOrCreateExisting, Value: got.Value}
	}
	if w := r.Write(ctx, path, def); !w.OK() {
		return ReadOrCreateOutcome{Code: ReadOrCreateFailed, Err: w.Err}
	}
	return ReadOrCreateOutcome{Code: ReadOrCreateCreated, Value: def}
}

// List returns the sorted entry names directly under dir.
func (r *Registry) List(ctx context.Context, dir string) ListOutcome {
	if err := ctx.Err(); err != nil {
		return ListOutcome{Code: ListFailed, Err: err}
	}
	p, err := resolve(dir)
	if err != nil {
		return ListOutcome{Code: ListFailed, Err: err}
	}
	infos, err := afero.ReadDir(r.fs, p)
	if err != nil {
		code := ListFailed
		if errors.Is(err, fs.ErrNotExist) {
			code = ListNotFound
		}
		return ListOutcome{Code: code, Err: fmt.Errorf("list %s: %w", dir, err)}
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return ListOutcome{Code: ListOK, Value: names}
}

// Join builds a logical path from its parts.
func Join(parts ...string) string { return strings.Join(parts, "/") }

// Under maps key onto a logical path strictly inside dir. Keys that clean to
// dir itself or to anything outside it are rejected.
func Under(dir, key string) (string, bool) {
	key = strings.Trim(key, "/")
	if key == "" || strings.Contains(key, "\\") {
		return "", false
	}
	p := path.Clean(dir + "/" + key)
	if !strings.HasPrefix(p, dir+"/") {
		return "", false
	}
	return p, true
}
