package user

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidpede/authAzureAD/sdk/errs"
)

// FilePhotoStore saves photos as files in Dir and serves them under
// URLPrefix.
type FilePhotoStore struct {
	Dir       string
	URLPrefix string
	DirPerm   os.FileMode
}

var _ PhotoStore = (*FilePhotoStore)(nil)

// NewFilePhotoStore returns a FilePhotoStore creating Dir with 0755 when
// missing.
func NewFilePhotoStore(dir, urlPrefix string) *FilePhotoStore {
	return &FilePhotoStore{Dir: dir, URLPrefix: urlPrefix, DirPerm: 0o755}
}

// Save writes the photo to Dir/name, replacing any previous file, and
// returns URLPrefix + name.
func (s *FilePhotoStore) Save(_ context.Context, name string, photo []byte) (string, error) {
	const op = "FilePhotoStore.Save"
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("invalid photo name %q", name)))
	}
	if err := os.MkdirAll(s.Dir, s.DirPerm); err != nil {
		return "", errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("directory %s could not be created", s.Dir)))
	}
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, photo, 0o644); err != nil {
		return "", errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("%s could not be written", path)))
	}
	return s.URLPrefix + name, nil
}
