package blob

import (
	"context"
	"fmt"

	"github.com/bobg/recsync"
)

// Factory creates a BlobStore from a JSON-decoded configuration.
type Factory func(context.Context, map[string]interface{}) (recsync.BlobStore, error)

var registry = make(map[string]Factory)

// Register makes a blob-store type available to Create.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a blob store of the registered type key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (recsync.BlobStore, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}
