// Command dmsnapd is the copy-on-write block snapshot metadata server. It
// formats a fresh superblock on an "initialize" subcommand and serves the
// wire protocol on a "server" subcommand, both over an origin device, a
// snapshot-store device, and a metadata device (spec.md §1/§6). Flags and
// shutdown handling follow the teacher's cmd/ublk-mem/main.go
// (ehrlich-b-go-ublk): flag.FlagSet per subcommand, logging.NewLogger with
// a verbosity flag, and a signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehrlich-b/dmsnapd/internal/config"
	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/logging"
	"github.com/ehrlich-b/dmsnapd/internal/server"
	"github.com/ehrlich-b/dmsnapd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "initialize":
		err = runInitialize(os.Args[2:])
	case "server":
		err = runServer(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "dmsnapd:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dmsnapd <initialize|server> [flags]")
}

// commonFlags registers every flag with a zero-valued default so that,
// after fs.Parse, a field is still "" only when the user neither passed
// the flag nor a config file set it — LoadYAML depends on that to tell
// "unset" apart from "explicitly set". The real defaults (listen
// address, log level) are applied once, after any -config merge, by
// runInitialize/runServer.
func commonFlags(fs *flag.FlagSet, cfg *config.Server) {
	fs.StringVar(&cfg.OriginDev, "origin", "", "path to the origin block device")
	fs.StringVar(&cfg.SnapDev, "snapstore", "", "path to the snapshot-store block device")
	fs.StringVar(&cfg.MetaDev, "metadev", "", "path to the metadata device (may equal -snapstore)")
	fs.StringVar(&cfg.Listen, "listen", "", "address to listen on (default "+constants.DefaultListenAddr+")")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "log level: debug, info, warn, error (default info)")
}

// applyDefaults fills in the hardcoded fallbacks for any field LoadYAML
// left unset, after flags and an optional config file have both had a
// chance to set it.
func applyDefaults(cfg *config.Server) {
	if cfg.Listen == "" {
		cfg.Listen = constants.DefaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetaChunkBits == 0 {
		cfg.MetaChunkBits = constants.DefaultChunkSizeBits
	}
	if cfg.SnapChunkBits == 0 {
		cfg.SnapChunkBits = constants.DefaultChunkSizeBits
	}
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func openDevices(cfg *config.Server) (*device.Set, error) {
	origin, err := device.Open(cfg.OriginDev)
	if err != nil {
		return nil, err
	}
	snap, err := device.Open(cfg.SnapDev)
	if err != nil {
		origin.Close()
		return nil, err
	}
	meta := snap
	if cfg.MetaDev != "" && cfg.MetaDev != cfg.SnapDev {
		meta, err = device.Open(cfg.MetaDev)
		if err != nil {
			origin.Close()
			snap.Close()
			return nil, err
		}
	}
	return &device.Set{Origin: origin, SnapStore: snap, Meta: meta}, nil
}

func runInitialize(args []string) error {
	fs := flag.NewFlagSet("initialize", flag.ExitOnError)
	cfg := &config.Server{}
	commonFlags(fs, cfg)
	journalStr := fs.String("journal-size", "", "journal size, e.g. 8M (default "+config.FormatSize(constants.DefaultJournalBytes)+")")
	metaBits := fs.Uint("meta-chunk-bits", 0, fmt.Sprintf("metadata chunk size in bits (default %d)", constants.DefaultChunkSizeBits))
	snapBits := fs.Uint("snap-chunk-bits", 0, fmt.Sprintf("snapshot chunk size in bits (default %d)", constants.DefaultChunkSizeBits))
	configPath := fs.String("config", "", "optional YAML config file merged into unset flags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *metaBits != 0 {
		cfg.MetaChunkBits = uint32(*metaBits)
	}
	if *snapBits != 0 {
		cfg.SnapChunkBits = uint32(*snapBits)
	}
	if *configPath != "" {
		if err := config.LoadYAML(*configPath, cfg); err != nil {
			return err
		}
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	journalBytes := cfg.JournalSize
	if *journalStr != "" {
		parsed, err := config.ParseSize(*journalStr)
		if err != nil {
			return fmt.Errorf("journal-size: %w", err)
		}
		journalBytes = parsed
	}
	if journalBytes == 0 {
		journalBytes = constants.DefaultJournalBytes
	}

	log := logging.NewLogger(&logging.Config{Level: parseLogLevel(cfg.LogLevel)})
	logging.SetDefault(log)

	devices, err := openDevices(cfg)
	if err != nil {
		return err
	}
	defer devices.Close()

	st, err := store.Initialize(devices, int(journalBytes), cfg.MetaChunkBits, cfg.SnapChunkBits)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	st.Log = log
	if err := st.Save(); err != nil {
		return fmt.Errorf("initialize: save superblock: %w", err)
	}

	log.Infof("initialized snapshot store: origin=%s snapstore=%s metadev=%s journal=%s meta-chunk-bits=%d snap-chunk-bits=%d",
		cfg.OriginDev, cfg.SnapDev, cfg.MetaDev, config.FormatSize(journalBytes), cfg.MetaChunkBits, cfg.SnapChunkBits)
	return nil
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cfg := &config.Server{}
	commonFlags(fs, cfg)
	configPath := fs.String("config", "", "optional YAML config file merged into unset flags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath != "" {
		if err := config.LoadYAML(*configPath, cfg); err != nil {
			return err
		}
	}
	applyDefaults(cfg)

	log := logging.NewLogger(&logging.Config{Level: parseLogLevel(cfg.LogLevel)})
	logging.SetDefault(log)

	devices, err := openDevices(cfg)
	if err != nil {
		return err
	}
	defer devices.Close()

	st, err := store.Load(devices)
	if err != nil {
		return fmt.Errorf("server: load superblock: %w", err)
	}
	st.Log = log
	if err := st.StartServer(); err != nil {
		return fmt.Errorf("server: start: %w", err)
	}

	disp := server.New(st)
	ln := server.NewListener(disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("server: shutdown signal received")
		cancel()
	}()

	if err := ln.Serve(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	log.Infof("server: clean shutdown")
	return nil
}
