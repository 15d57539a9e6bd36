// Command stratamon runs a monitor: it boots the map service from the
// persisted store and serves maps until told to drain.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/stratastore/strata/bus"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/nlog"
	"github.com/stratastore/strata/mon"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := cmn.NewConfig()
	cfg.LoadEnv()
	if err := cfg.ParseArgs(args); err != nil {
		fmt.Fprintln(os.Stderr, "stratamon:", err)
		return 1
	}
	if dir := cfg.Str(cmn.ConfLogDir); dir != "" {
		if err := nlog.SetLogDir(dir, "stratamon"); err != nil {
			fmt.Fprintln(os.Stderr, "stratamon: log dir:", err)
			return 1
		}
	}
	storePath := cfg.Str(cmn.ConfStorePath)
	if storePath == "" {
		fmt.Fprintln(os.Stderr, "stratamon: --store-path is required")
		return 1
	}

	store, err := mon.OpenStore(storePath)
	if err != nil {
		nlog.Errorln("open store:", err)
		return 1
	}
	defer store.Close()

	// the monitor's endpoint; transport internals live behind the bus
	b := bus.NewLoopback()
	srv, err := mon.NewServer(store, b)
	if err != nil {
		// missing whoami/monmap and address problems are fatal at startup
		nlog.Errorln("start map service:", err)
		return 1
	}
	defer srv.Close()

	// SIGTERM means drain and exit cleanly
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		nlog.Infof("mon%d: draining", srv.Rank())
		return nil
	})
	if err := g.Wait(); err != nil {
		nlog.Errorln(err)
		nlog.Flush()
		return 1
	}
	nlog.Flush()
	return 0
}
