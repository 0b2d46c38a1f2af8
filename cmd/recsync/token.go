package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/recsync/adapter"
)

func (c maincmd) token(ctx context.Context, fset *flag.FlagSet, args []string) error {
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	tok, err := c.l.Token(ctx, adapter.ZoneTokenName)
	if err != nil {
		return errors.Wrap(err, "getting zone token")
	}
	fmt.Printf("%x\n", tok)
	return nil
}

// resetToken clears the zone token,
// so the next sync fetches the whole zone.
func (c maincmd) resetToken(ctx context.Context, fset *flag.FlagSet, args []string) error {
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return errors.Wrap(c.l.SetToken(ctx, adapter.ZoneTokenName, nil), "clearing zone token")
}

func (c maincmd) forget(ctx context.Context, fset *flag.FlagSet, args []string) error {
	yes := fset.Bool("y", false, "do not ask for confirmation")
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if !*yes {
		return errors.New("forget discards all change tracking; rerun with -y to proceed")
	}
	return adapter.Forget(ctx, c.l)
}

func (c maincmd) purgeBlobs(ctx context.Context, fset *flag.FlagSet, args []string) error {
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if c.b == nil {
		return errors.New("no blob store configured")
	}
	return errors.Wrap(c.b.Purge(ctx), "purging blobs")
}
