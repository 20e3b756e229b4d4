package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Paul1404/DnsServer/dnssec"
	"github.com/Paul1404/DnsServer/logsink"
	"github.com/Paul1404/DnsServer/secondary"
	"github.com/Paul1404/DnsServer/server"
	"github.com/Paul1404/DnsServer/transfer"
	"github.com/Paul1404/DnsServer/zone"
	"github.com/Paul1404/DnsServer/zoneconfig"
	"github.com/Paul1404/DnsServer/zonefile"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory for zone files and the secondary refresh cache")
	configPath := flag.String("config", "", "path to a zoneconfig JSON file (defaults built in if absent)")
	listen := flag.String("listen", ":53", "address to listen on for UDP and TCP DNS traffic")
	flag.Parse()

	log.Printf("DNS zone server starting, data directory: %s", *dataDir)

	cfg := zoneconfig.Default()
	if *configPath != "" {
		loaded, err := zoneconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "data" {
			cfg.Data.Dir = *dataDir
		}
	})
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = *dataDir
	}

	sink := logsink.NewStdSink(log.Default(), "zone")

	files, err := zonefile.NewDirStore(cfg.Data.Dir)
	if err != nil {
		log.Fatalf("failed to open zone directory: %v", err)
	}
	codec := zonefile.NewCodec()

	tree := zone.NewTree()
	mgr := zone.NewManager(tree, codec, files, sink, cfg.Save.Debounce)

	signer := dnssec.NewManager()
	signer.SetDefaultKeyDir(filepath.Join(cfg.Data.Dir, "dnssec-keys"))
	mgr.SetSigner(signer)

	loaded := loadZoneFiles(mgr, files, sink)
	log.Printf("loaded %d zone files from %s", loaded, filepath.Join(cfg.Data.Dir, "zones"))

	engine := zone.NewEngine(tree, cfg.Query.MaxCNAMEHops, signer)

	// No transfer ACLs or NOTIFY targets are configured by default; an
	// operator wiring this core into a real deployment supplies its own
	// zoneconfig extension and passes the resulting lists here.
	xfer := transfer.New(tree, cfg.Transfer, nil, nil)

	cachePath := filepath.Join(cfg.Data.Dir, "secondary.db")
	cache, err := secondary.OpenBoltCache(cachePath)
	if err != nil {
		log.Fatalf("failed to open secondary refresh cache: %v", err)
	}
	defer cache.Close()

	secMgr := secondary.New(tree, cfg.Transfer, cache)
	secMgr.SetLog(sink)
	xfer.SetNotifyHandler(secMgr.HandleNotify)
	secMgr.Start()
	defer secMgr.Stop()

	srv := server.New(engine, xfer, sink)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (udp+tcp)", *listen)
		errCh <- srv.ListenAndServe(*listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("DNS server failed: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	mgr.Dispose()
}

// loadZoneFiles materializes every zone file under files into tree via
// mgr, skipping (and logging) any that fail to parse, per §7's
// InvalidZoneFile handling: "load skipped, logged, other zones continue."
func loadZoneFiles(mgr *zone.Manager, files *zonefile.DirStore, sink logsink.Sink) int {
	names, err := files.ListZoneFiles()
	if err != nil {
		sink.WriteErr(err)
		return 0
	}
	count := 0
	for _, name := range names {
		if _, err := mgr.LoadZoneFile(name); err != nil {
			sink.WriteErr(err)
			continue
		}
		count++
	}
	return count
}
