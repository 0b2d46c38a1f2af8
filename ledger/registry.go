package ledger

import (
	"context"
	"fmt"

	"github.com/bobg/recsync"
)

// Factory creates a Ledger from a JSON-decoded configuration.
type Factory func(context.Context, map[string]interface{}) (recsync.Ledger, error)

var registry = make(map[string]Factory)

// Register makes a ledger type available to Create.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a ledger of the registered type key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (recsync.Ledger, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// Zone extracts the optional "zone" parameter from a ledger configuration.
func Zone(conf map[string]interface{}) string {
	zone, _ := conf["zone"].(string)
	return zone
}
