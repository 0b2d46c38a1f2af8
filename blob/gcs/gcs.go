// Package gcs implements a blob store in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/blob"
)

var _ recsync.BlobStore = &Store{}

// Store is a Google Cloud Storage-based implementation of recsync.BlobStore.
// Payloads are objects whose names share a per-session prefix.
type Store struct {
	bucket *storage.BucketHandle
	prefix string
}

// New produces a new Store keeping payloads in bucket under the given session prefix.
func New(bucket *storage.BucketHandle, session string) *Store {
	return &Store{bucket: bucket, prefix: "tmp/" + session + "/"}
}

// Put implements recsync.BlobStore.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	var (
		loc  = uuid.NewString()
		name = s.prefix + loc
		obj  = s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
		w    = obj.NewWriter(ctx)
	)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", errors.Wrapf(err, "writing object %s", name)
	}
	err := w.Close()
	var e *googleapi.Error
	if stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return "", errors.Wrapf(err, "object %s already exists", name)
	}
	return loc, errors.Wrapf(err, "writing object %s", name)
}

// Get implements recsync.BlobStore.
func (s *Store) Get(ctx context.Context, loc string) ([]byte, error) {
	if loc == "" || strings.Contains(loc, "/") {
		return nil, errors.Errorf("invalid location %q", loc)
	}
	name := s.prefix + loc
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, recsync.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s", name)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	return data, errors.Wrapf(err, "reading contents of object %s", name)
}

// Purge implements recsync.BlobStore.
func (s *Store) Purge(ctx context.Context) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over session objects")
		}
		err = s.bucket.Object(attrs.Name).Delete(ctx)
		if err != nil && !stderrs.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(err, "deleting object %s", attrs.Name)
		}
	}
}

func init() {
	blob.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (recsync.BlobStore, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		session, ok := conf["session"].(string)
		if !ok {
			session = uuid.NewString()
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName), session), nil
	})
}
