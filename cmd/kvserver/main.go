// Command kvserver is the process entrypoint: it parses the command-line
// flags, builds the store/snapshot/replication/event-loop stack, loads a
// snapshot from disk (unless starting as a replica, in which case the
// master supplies one via FULLRESYNC), optionally dials a master, then
// runs the event loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/edirooss/kvserver/internal/dispatch"
	"github.com/edirooss/kvserver/internal/env"
	"github.com/edirooss/kvserver/internal/eventloop"
	"github.com/edirooss/kvserver/internal/rdb"
	"github.com/edirooss/kvserver/internal/replication"
	"github.com/edirooss/kvserver/internal/replinfo"
	"github.com/edirooss/kvserver/internal/store"
	"github.com/edirooss/kvserver/pkg/fmtt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	s := store.New(log)
	saver := rdb.NewSaver(cfg.Dir, cfg.DBFilename, s)

	var info *replinfo.Info
	if cfg.IsReplica() {
		info = replinfo.NewReplica(cfg.ReplicaOf.Host, cfg.ReplicaOf.Port)
	} else {
		info = replinfo.NewMaster()
		if err := loadSnapshot(log, cfg, s); err != nil {
			log.Error("startup snapshot load failed", zap.Error(err))
			fmtt.PrintErrChain(err)
			return 1
		}
	}

	dctx := &dispatch.Context{
		Store: s,
		Cfg:   cfg,
		Info:  info,
		Saver: saver,
		Log:   log,
	}

	loop, err := eventloop.New(log, cfg.Port, dctx)
	if err != nil {
		log.Error("event loop initialization failed", zap.Error(err))
		fmtt.PrintErrChain(err)
		return 1
	}

	mgr := replication.NewManager(log, cfg, info, saver, loop)
	dctx.Replicator = mgr
	dctx.Propagate = mgr.Propagate

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Both long-lived goroutines run under one errgroup: a failed replica
	// handshake cancels the group context, which shuts the event loop
	// down, and vice versa, so either failure surfaces through g.Wait the
	// same way.
	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	if cfg.IsReplica() {
		g.Go(func() error {
			return connectToMaster(log, cfg, info, s, loop)
		})
	}

	log.Info("listening", zap.Int("port", cfg.Port), zap.String("role", info.Role.String()))
	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		fmtt.PrintErrChain(err)
		return 1
	}
	return 0
}

// loadSnapshot loads the configured snapshot file at startup. A missing
// file means start empty; a corrupt one aborts startup rather than
// silently discarding persisted data.
func loadSnapshot(log *zap.Logger, cfg *env.Config, s *store.Store) error {
	err := rdb.Load(log, cfg.Dir, cfg.DBFilename, s)
	if err == nil {
		log.Info("snapshot loaded", zap.String("dir", cfg.Dir), zap.String("file", cfg.DBFilename), zap.Int("keys", s.DBSize()))
		return nil
	}
	if errors.Is(err, rdb.ErrAbsent) {
		log.Info("no snapshot file found, starting empty")
		return nil
	}
	return err
}

// connectToMaster performs the replica handshake and hands the resulting
// link to the event loop for steady-state command streaming.
func connectToMaster(log *zap.Logger, cfg *env.Config, info *replinfo.Info, s *store.Store, loop *eventloop.Loop) error {
	log.Info("connecting to master", zap.String("host", cfg.ReplicaOf.Host), zap.Int("port", cfg.ReplicaOf.Port))
	c, err := replication.DialMaster(log, cfg, info, s)
	if err != nil {
		return fmt.Errorf("replica handshake: %w", err)
	}
	if err := loop.AdoptMasterLink(c); err != nil {
		c.Close()
		return err
	}
	log.Info("replication link established", zap.String("replid", info.ReplID))
	return nil
}

// parseFlags builds a Config from argv. --replicaof takes one flag value
// of the form "<host> <port>"
// (space-separated) since the standard library flag package has no
// binding for a flag that consumes two following arguments.
func parseFlags(argv []string) (*env.Config, error) {
	fs := flag.NewFlagSet("kvserver", flag.ContinueOnError)
	dir := fs.String("dir", env.DefaultDir, "directory for the snapshot file")
	dbfilename := fs.String("dbfilename", env.DefaultDBFilename, "snapshot filename")
	port := fs.Int("port", env.DefaultPort, "listening port")
	replicaof := fs.String("replicaof", "", "\"<host> <port>\" of a master to replicate from")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	cfg := env.New()
	cfg.Dir = *dir
	cfg.DBFilename = *dbfilename
	cfg.Port = *port

	if *replicaof != "" {
		parts := strings.Fields(*replicaof)
		if len(parts) != 2 {
			return nil, fmt.Errorf("--replicaof expects \"<host> <port>\", got %q", *replicaof)
		}
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("--replicaof: invalid port %q: %w", parts[1], err)
		}
		cfg.ReplicaOf = &env.Addr{Host: parts[0], Port: p}
	}

	return cfg, nil
}
