// Command recsync inspects and maintains a zone's change-tracking ledger
// and its temporary blob store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/bobg/subcmd"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/blob"
	_ "github.com/bobg/recsync/blob/file"
	_ "github.com/bobg/recsync/blob/gcs"
	_ "github.com/bobg/recsync/blob/mem"
	"github.com/bobg/recsync/ledger"
	_ "github.com/bobg/recsync/ledger/mem"
	_ "github.com/bobg/recsync/ledger/pg"
	_ "github.com/bobg/recsync/ledger/sqlite3"
)

type maincmd struct {
	l recsync.Ledger
	b recsync.BlobStore // may be nil
}

type config struct {
	Ledger map[string]interface{} `json:"ledger"`
	Blob   map[string]interface{} `json:"blob"`
}

func main() {
	configFile := flag.String("config", "recsyncconf.json", "path to config file")
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Config value not set")
	}

	var conf config
	f, err := os.Open(*configFile)
	if err != nil {
		log.Fatalf("Opening config file %s: %s", *configFile, err)
	}
	err = json.NewDecoder(f).Decode(&conf)
	f.Close()
	if err != nil {
		log.Fatalf("Decoding config file %s: %s", *configFile, err)
	}

	ctx := context.Background()

	typ, ok := conf.Ledger["type"].(string)
	if !ok {
		log.Fatalf("Config file %s missing ledger `type` parameter", *configFile)
	}
	l, err := ledger.Create(ctx, typ, conf.Ledger)
	if err != nil {
		log.Fatalf("Creating %s-type ledger: %s", typ, err)
	}
	defer l.Close()

	c := maincmd{l: l}
	if conf.Blob != nil {
		typ, ok := conf.Blob["type"].(string)
		if !ok {
			log.Fatalf("Config file %s missing blob `type` parameter", *configFile)
		}
		c.b, err = blob.Create(ctx, typ, conf.Blob)
		if err != nil {
			log.Fatalf("Creating %s-type blob store: %s", typ, err)
		}
	}

	err = subcmd.Run(ctx, c, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"entities":    c.entities,
		"forget":      c.forget,
		"purge-blobs": c.purgeBlobs,
		"reset-token": c.resetToken,
		"status":      c.status,
		"token":       c.token,
	}
}
