// Command swarmd is a thin driver around the engine package: it loads
// configuration, wires a disk-backed file store and a statsd-reported
// metrics scope, adds whatever torrents it was pointed at, and runs until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"

	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/config"
	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/engine"
	"github.com/rkrishnan/swarmd/filestore"
	"github.com/rkrishnan/swarmd/metrics"
	"github.com/rkrishnan/swarmd/utils/configutil"
	"github.com/rkrishnan/swarmd/utils/log"
)

// noopTracker satisfies collab.TrackerClient without any network I/O —
// tracker-announce is an explicit non-goal of the core, and real tracker
// clients belong to the embedder, not to this reference driver.
type noopTracker struct{}

func (noopTracker) Announce(int, core.InfoHash, collab.AnnounceEvent) (collab.AnnounceResult, error) {
	return collab.AnnounceResult{}, nil
}

func main() {
	app := kingpin.New("swarmd", "peer-swarm engine driver")

	configFile := app.Flag("config", "Configuration file").Required().String()
	dataDir := app.Flag("data_dir", "Directory backing downloaded/seeded files").Default("./data").String()
	cluster := app.Flag("cluster", "Cluster name, attached to metrics as a tag").Default("").String()
	metaFiles := app.Flag("meta", "Torrent metainfo yaml file to add at startup (repeatable)").Strings()
	wanted := app.Flag("wanted", "Bytes wanted for each --meta torrent; 0 means the whole torrent").Default("0").Int64()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	var cfg config.Config
	if err := configutil.Load(*configFile, &cfg); err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}

	logger, err := log.New(cfg.Engine.Log, map[string]interface{}{"module": "swarmd"})
	if err != nil {
		log.Fatalf("Failed to configure logger: %s", err)
	}
	defer logger.Sync()
	log.SetGlobal(logger)

	stats, closer, err := metrics.New(cfg.Metrics, *cluster)
	if err != nil {
		log.Fatalf("Failed to init metrics: %s", err)
	}
	defer closer.Close()
	go metrics.EmitVersion(stats)

	pctx, err := cfg.PeerContext()
	if err != nil {
		log.Fatalf("Failed to build peer context: %s", err)
	}

	store, err := filestore.New(*dataDir)
	if err != nil {
		log.Fatalf("Failed to init file store: %s", err)
	}

	e, err := engine.New(cfg.Engine, pctx, engine.Collaborators{
		FileIO:  store,
		Tracker: noopTracker{},
		DotDir:  store,
	}, stats)
	if err != nil {
		log.Fatalf("Failed to init engine: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, mf := range *metaFiles {
		meta, err := loadMetaInfo(mf)
		if err != nil {
			log.Fatalf("Failed to load %s: %s", mf, err)
		}
		w := *wanted
		if w == 0 {
			w = meta.TotalLength
		}
		id := e.AddTorrent(meta, w)
		if err := store.RegisterTorrent(id, meta); err != nil {
			log.Fatalf("Failed to register %s with the file store: %s", meta.Name, err)
		}
		log.Infof("Added torrent %q as id %d", meta.Name, id)
	}

	if err := e.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %s", err)
	}
	defer e.Stop()

	log.Infof("swarmd listening on %s", cfg.Engine.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}
