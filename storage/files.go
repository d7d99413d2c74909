package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	defaultExt = ".bin"
	copyBuffer = 1 << 20
)

// FileStore keeps uploaded artifacts under root/subdir. Paths handed out are
// relative to root.
type FileStore struct {
	fs     afero.Fs
	root   string
	subdir string
}

func New(fs afero.Fs, root, subdir string) *FileStore {
	return &FileStore{fs: fs, root: root, subdir: subdir}
}

// NewOS is a FileStore on the local disk.
func NewOS(root, subdir string) *FileStore {
	return New(afero.NewOsFs(), root, subdir)
}

// Save streams body into a new file named by a random id plus the extension
// of filename. A partially written file is removed on failure.
func (s *FileStore) Save(ctx context.Context, filename string, body io.Reader) (string, error) {
	dir := filepath.Join(s.root, s.subdir)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}

	rel := path.Join(s.subdir, strings.ReplaceAll(uuid.NewString(), "-", "")+extension(filename))
	full := s.resolve(rel)

	f, err := s.fs.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", rel)
	}

	_, err = io.CopyBuffer(f, &ctxReader{ctx: ctx, r: body}, make([]byte, copyBuffer))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(full)
		return "", errors.Wrapf(err, "write %s", rel)
	}
	return rel, nil
}

func (s *FileStore) Exists(rel string) (bool, error) {
	return afero.Exists(s.fs, s.resolve(rel))
}

func (s *FileStore) Read(rel string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.resolve(rel))
}

func (s *FileStore) Remove(rel string) error {
	err := s.fs.Remove(s.resolve(rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolve keeps rel inside root.
func (s *FileStore) resolve(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+rel)))
}

func extension(filename string) string {
	ext := filepath.Ext(filepath.Base(strings.ReplaceAll(filename, "\\", "/")))
	if ext == "" || ext == "." {
		return defaultExt
	}
	return ext
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
