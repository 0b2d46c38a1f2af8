package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/adapter"
)

func (c maincmd) status(ctx context.Context, fset *flag.FlagSet, args []string) error {
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	all, err := c.l.AllEntities(ctx)
	if err != nil {
		return errors.Wrap(err, "listing entities")
	}
	counts := make(map[recsync.State]int)
	for _, e := range all {
		counts[e.State]++
	}
	for st := recsync.New; st <= recsync.Inserted; st++ {
		fmt.Printf("%-9s %d\n", st, counts[st])
	}

	pending, err := c.l.PendingRelationships(ctx)
	if err != nil {
		return errors.Wrap(err, "listing pending relationships")
	}
	fmt.Printf("pending   %d\n", len(pending))

	tok, err := c.l.Token(ctx, adapter.ZoneTokenName)
	if err != nil {
		return errors.Wrap(err, "getting zone token")
	}
	if tok == nil {
		fmt.Println("never synced")
	}
	return nil
}

func (c maincmd) entities(ctx context.Context, fset *flag.FlagSet, args []string) error {
	state := fset.String("state", "", "list only entities in this state (new, changed, deleted, synced, inserted)")
	if err := fset.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	var (
		list []*recsync.TrackedEntity
		err  error
	)
	if *state == "" {
		list, err = c.l.AllEntities(ctx)
	} else {
		st, ok := recsync.ParseState(*state)
		if !ok {
			return errors.Errorf("unknown state %s", *state)
		}
		list, err = c.l.EntitiesInState(ctx, st)
	}
	if err != nil {
		return errors.Wrap(err, "listing entities")
	}

	for _, e := range list {
		fmt.Printf("%s\t%s\t%s", e.Identifier, e.State, e.LastModified.Format(time.RFC3339Nano))
		if len(e.Dirty) > 0 {
			fmt.Printf("\tdirty=%v", e.Dirty)
		}
		if e.ShareID != "" {
			fmt.Printf("\tshare=%s", e.ShareID)
		}
		fmt.Println()
	}
	return nil
}
