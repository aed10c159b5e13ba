// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-wetalk is a Matrix-WeTalk puppeting bridge. It projects
// WeTalk contacts and conversations into Matrix as ghost users and bridged
// rooms, with one personal remote session per opted-in Matrix user.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-wetalk/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var generateExample = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mautrix-wetalk - A Matrix-WeTalk puppeting bridge",
		"mautrix-wetalk [-h] [-c <path>] [-e] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *version {
		fmt.Printf("mautrix-wetalk %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	} else if *generateExample {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
}

func run() error {
	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Msg("Initializing mautrix-wetalk")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rawDB, err := sql.Open("sqlite3", cfg.Database.URI)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	store := bridge.NewSQLStore(db)
	if err = store.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Registration, err = appservice.LoadRegistration(cfg.Appservice.Registration)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}

	hub := bridge.NewAppserviceHub(as, cfg, *log)
	pool := bridge.NewSessionPool(bridge.NewGatewayFactory(cfg, *log), *log)
	mapper := bridge.NewMapper(cfg, store, hub, pool, *log)
	router := bridge.NewRouter(cfg, hub, mapper, pool, *log)
	pool.SetSink(router)

	ep := appservice.NewEventProcessor(as)
	ep.On(event.EventMessage, router.OnHubEvent)
	ep.On(event.StateMember, router.OnHubEvent)

	go as.Start()
	go ep.Start(ctx)
	log.Info().
		Str("hostname", cfg.Appservice.Hostname).
		Uint16("port", cfg.Appservice.Port).
		Msg("Bridge started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	ep.Stop()
	as.Stop()
	pool.Shutdown()
	return nil
}
