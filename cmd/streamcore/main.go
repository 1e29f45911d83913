// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Command streamcore runs one shard's write-side Storer, Catch-up Reader,
// and local Incremental Syncer in a single process, wired together by an
// in-memory live forwarder (see hub.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/streamcore/catchup"
	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/dbutil/pgutil"
	"storj.io/streamcore/private/lifecycle"
	"storj.io/streamcore/private/logging"
	"storj.io/streamcore/private/tagsql"
	"storj.io/streamcore/storer"
	"storj.io/streamcore/syncer"
	"storj.io/streamcore/txnpool"
)

func main() {
	taskID := flag.String("task-id", "", "unique identifier for this shard's owner token")
	address := flag.String("address", "", "this process's reachable address, recorded as the row-level owner token's ownerAddress")
	upstreamDSN := flag.String("upstream", "", "Postgres DSN the write/read pools connect to")
	replicaPath := flag.String("replica", "streamcore-replica.db", "path to the local sqlite3 embedded replica")

	initialWorkers := flag.Int("initial-workers", 1, "write pool's InitialWorkers (spec §9 initialWorkers)")
	maxWorkers := flag.Int("max-workers", 4, "write pool's MaxWorkers (spec §9 maxWorkers)")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Second, "extra worker idle timeout (spec §9 idleTimeoutMs)")
	keepAliveTimeout := flag.Duration("keepalive-timeout", 60*time.Second, "initial worker keep-alive interval (spec §9 keepaliveTimeoutMs)")
	backPressureBudget := flag.Int64("backpressure-bytes", 64<<20, "queued-but-uncommitted byte budget (spec §9 backPressureLimitHeapProportion, expressed directly as a byte count)")
	commitFlushEveryN := flag.Int("commit-flush-every-n", 100, "pipelined insert flush threshold (spec §9 commitFlushEveryN)")
	catchupPageSize := flag.Int("catchup-batch-size", 2000, "catch-up page size (spec §9 catchupBatchSize)")
	catchupReaderWorkers := flag.Int("catchup-reader-workers", 1, "catch-up read pool worker count")

	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *taskID == "" {
		// no durable owner token was given on the command line: mint one
		// so this process can still assume ownership on its first run.
		*taskID = uuid.NewString()
		log.Info("no -task-id given, generated one", zap.String("task-id", *taskID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, runConfig{
		taskID:      *taskID,
		address:     *address,
		upstreamDSN: *upstreamDSN,
		replicaPath: *replicaPath,
		poolCfg:     txnpool.Config{InitialWorkers: *initialWorkers, MaxWorkers: *maxWorkers, IdleTimeout: *idleTimeout, KeepAliveTimeout: *keepAliveTimeout},
		storerCfg:   storer.Config{BackPressureByteBudget: *backPressureBudget, CommitFlushEveryN: *commitFlushEveryN},
		catchupCfg:  catchup.Config{PageSize: *catchupPageSize, ReaderWorkers: *catchupReaderWorkers},
	}); err != nil {
		log.Fatal("streamcore exited with error", zap.Error(err))
	}
}

type runConfig struct {
	taskID      string
	address     string
	upstreamDSN string
	replicaPath string

	poolCfg    txnpool.Config
	storerCfg  storer.Config
	catchupCfg catchup.Config
}

// run wires the Storer, its write/read pools, the live hub, the catch-up
// reader and the embedded Syncer into one lifecycle.Group and blocks until
// ctx is cancelled or a fatal error occurs (spec §3.6).
func run(ctx context.Context, log *zap.Logger, cfg runConfig) error {
	log.Info("opening upstream", zap.String("dsn", logging.Redacted(cfg.upstreamDSN)))
	upstreamDB, err := tagsql.Open("postgres", cfg.upstreamDSN)
	if err != nil {
		return fmt.Errorf("opening upstream: %w", err)
	}
	defer func() { _ = upstreamDB.Close() }()

	if err := storer.Migrations(pgutil.NewSchemaDB(upstreamDB, "public")).Run(ctx, log); err != nil {
		return fmt.Errorf("migrating upstream: %w", err)
	}

	replicaDB, err := tagsql.Open("sqlite3", cfg.replicaPath)
	if err != nil {
		return fmt.Errorf("opening replica: %w", err)
	}
	defer func() { _ = replicaDB.Close() }()

	if err := syncer.MigrateSQLite(ctx, log, replicaDB); err != nil {
		return fmt.Errorf("migrating replica: %w", err)
	}

	writePool := txnpool.New(log.Named("write-pool"), cfg.poolCfg, nil, nil)
	readPool := txnpool.New(log.Named("read-pool"), txnpool.Config{InitialWorkers: 1, MaxWorkers: cfg.poolCfg.MaxWorkers}, nil, nil)

	h := newHub()
	reg := newCatchupRegistry()

	fatalErr := newErrorBox()
	onFatal := func(kind changelog.Kind, err error) {
		log.Error("storer reported fatal condition", zap.String("kind", kind.String()), zap.Error(err))
		fatalErr.set(err)
	}

	onCatchup := func(ctx context.Context, snapshot txnpool.SnapshotToken, subscribers []storer.Subscriber) {
		sinks, requests := reg.sinksFor(subscribers)
		if len(requests) == 0 {
			return
		}
		pool := catchup.NewPool(log.Named("catchup"), cfg.catchupCfg, snapshot)
		go func() {
			if err := pool.Run(ctx, upstreamDB); err != nil {
				log.Error("catch-up pool exited with error", zap.Error(err))
			}
		}()
		catchup.ServeBatch(ctx, log.Named("catchup"), pool, cfg.catchupCfg, requests, sinks, func(err error) {
			onFatal(changelog.KindAutoReset, err)
		})
		// the dispatched batch is this pool's only referent; releasing it
		// here (after every Serve call has returned) lets its workers
		// drain and exit instead of outliving the snapshot they imported.
		pool.Unref()
	}

	st := storer.New(log.Named("storer"), cfg.storerCfg, writePool, readPool, cfg.taskID, cfg.address,
		func(change changelog.Change) {
			h.observe(change)
		},
		onCatchup,
		onFatal,
	)

	source := newLocalSource(st, h, reg)
	replicaSyncer := syncer.New(log.Named("syncer"), syncer.Config{}, replicaDB, source, cfg.taskID, changelog.ModeServing, func(err error) {
		fatalErr.set(err)
	})

	group := lifecycle.NewGroup(log)
	group.Add(lifecycle.Item{
		Name: "write-pool",
		Run:  func(ctx context.Context) error { return writePool.Run(ctx, upstreamDB) },
	})
	group.Add(lifecycle.Item{
		Name: "read-pool",
		Run:  func(ctx context.Context) error { return readPool.Run(ctx, upstreamDB) },
	})
	group.Add(lifecycle.Item{
		Name: "storer",
		Run: func(ctx context.Context) error {
			if err := st.AssumeOwnership(ctx); err != nil {
				return err
			}
			return st.Run(ctx)
		},
		Close: func() error { st.Stop(); return nil },
	})
	group.Add(lifecycle.Item{
		Name:  "syncer",
		Run:   replicaSyncer.Run,
		Close: func() error { replicaSyncer.Stop(); return nil },
	})

	runGroup, runCtx := errgroup.WithContext(ctx)
	group.Run(runCtx, runGroup)
	waitErr := runGroup.Wait()
	closeErr := group.Close()

	writePool.Unref()
	readPool.Unref()

	if fatal := fatalErr.get(); fatal != nil {
		return fatal
	}
	if waitErr != nil {
		return waitErr
	}
	return closeErr
}

// errorBox lets the Storer's and Syncer's onFatal callbacks, which may run
// from arbitrary goroutines, hand an error back to run's caller.
type errorBox struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newErrorBox() *errorBox {
	return &errorBox{ch: make(chan struct{})}
}

func (b *errorBox) set(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.ch)
	})
}

func (b *errorBox) get() error {
	select {
	case <-b.ch:
		return b.err
	default:
		return nil
	}
}
