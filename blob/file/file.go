// Package file implements a blob store as a directory of temporary files.
package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobg/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/blob"
)

var _ recsync.BlobStore = &Store{}

// Store is a file-based implementation of recsync.BlobStore.
// Payloads live in a per-session directory beneath a root.
// Purge removes the session directory.
type Store struct {
	root    string
	session string
	flocker flock.Locker
}

// New produces a new Store keeping payloads beneath root,
// in a directory named for session.
func New(root, session string) *Store {
	return &Store{root: root, session: session}
}

// NewTemp produces a Store beneath the system temp directory.
func NewTemp(session string) *Store {
	return New(filepath.Join(os.TempDir(), "recsync"), session)
}

func (s *Store) dir() string {
	return filepath.Join(s.root, s.session)
}

// Payloads and purges exclude each other (across processes too)
// via a lock file beside the session directory.
func (s *Store) lockpath() string {
	return filepath.Join(s.root, s.session+".lock")
}

func (s *Store) path(loc string) (string, error) {
	if len(loc) < 3 || strings.ContainsAny(loc, `/\`) {
		return "", errors.Errorf("invalid location %q", loc)
	}
	return filepath.Join(s.dir(), loc[:2], loc), nil
}

func (s *Store) lock() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", s.root)
	}
	return errors.Wrap(s.flocker.Lock(s.lockpath()), "locking session")
}

func (s *Store) unlock() {
	s.flocker.Unlock(s.lockpath())
}

// Put implements recsync.BlobStore.
func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.unlock()

	loc := uuid.NewString()
	path, err := s.path(loc)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		return "", errors.Wrapf(err, "writing data to %s", path)
	}
	return loc, errors.Wrapf(f.Close(), "closing %s", path)
}

// Get implements recsync.BlobStore.
func (s *Store) Get(_ context.Context, loc string) ([]byte, error) {
	path, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, recsync.ErrNotFound
	}
	return data, errors.Wrapf(err, "reading %s", path)
}

// Purge implements recsync.BlobStore.
func (s *Store) Purge(context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	return errors.Wrapf(os.RemoveAll(s.dir()), "removing %s", s.dir())
}

func init() {
	blob.Register("file", func(_ context.Context, conf map[string]interface{}) (recsync.BlobStore, error) {
		session, ok := conf["session"].(string)
		if !ok {
			session = uuid.NewString()
		}
		if root, ok := conf["root"].(string); ok {
			return New(root, session), nil
		}
		return NewTemp(session), nil
	})
}
