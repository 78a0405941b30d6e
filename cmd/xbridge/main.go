// xbridge is a bidirectional message bridge between XMPP and the ActivityPub
// Fediverse. Registered users on either network exchange direct messages with
// users on the other one through the bridge's two service accounts.
//
// It runs as two processes over a shared database, one per listening side:
//
//	export XMPP_BRIDGE_TOKEN=<mastodon access token>
//	export AP_BRIDGE_PASS=<xmpp account password>
//	./xbridge -config bridge.yml fedi   # listens on the Fediverse account
//	./xbridge -config bridge.yml xmpp   # listens on the XMPP account
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klppl/xbridge/internal/bridge"
	"github.com/klppl/xbridge/internal/config"
	"github.com/klppl/xbridge/internal/db"
	"github.com/klppl/xbridge/internal/fedi"
	"github.com/klppl/xbridge/internal/i18n"
	"github.com/klppl/xbridge/internal/server"
	"github.com/klppl/xbridge/internal/xmppx"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", envOr("XBRIDGE_CONFIG", "bridge.yml"), "path to the YAML configuration file")
	flag.Parse()

	side, err := parseSide(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] fedi|xmpp\n", os.Args[0])
		os.Exit(2)
	}

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
			slog.Error("failed to open log file", "error", err, "path", cfg.LogFile)
			os.Exit(1)
		}
		defer f.Close()
		out = io.MultiWriter(os.Stdout, f)
	}
	log := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel})).
		With("side", side.String())
	slog.SetDefault(log)

	log.Info("starting xbridge", "version", version)
	log.Info("config loaded",
		"ap_instance", cfg.APInstance,
		"xmpp_instance", cfg.XMPPInstance,
		"bridge_acct", cfg.BridgeAcct,
		"bridge_jid", cfg.BridgeJID,
		"database", cfg.DatabaseURL,
	)

	// ─── Translations ─────────────────────────────────────────────────────────
	catalog, err := i18n.Load(cfg.TranslationDir, cfg.DefaultLang)
	if err != nil {
		log.Error("failed to load translations", "error", err, "dir", cfg.TranslationDir)
		os.Exit(1)
	}
	cfg.SetLanguages(catalog.Languages())
	log.Info("translations loaded", "languages", cfg.Languages)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	// ─── Fediverse client ─────────────────────────────────────────────────────
	client := fedi.NewClient(cfg.APInstance, cfg.Token, cfg.UserAgent)

	// Instance settings are a best effort; the configured defaults stand when
	// the instance cannot be reached at startup.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	locked := false
	if me, err := client.VerifyCredentials(ctx); err != nil {
		log.Warn("could not verify bridge credentials", "error", err)
	} else {
		locked = me.Locked
	}
	charLimit := 0
	if limit, err := client.MaxChars(ctx); err != nil {
		log.Warn("could not fetch instance character limit", "error", err)
	} else {
		charLimit = limit
	}
	cfg.ApplyInstanceSettings(locked, charLimit)
	log.Info("instance settings", "locked", cfg.AccountLocked, "char_limit", cfg.CharLimit)

	// ─── Bridge core ──────────────────────────────────────────────────────────
	core, err := bridge.NewCore(cfg, catalog, store, client, xmppx.Factory(cfg, log), log)
	if err != nil {
		log.Error("failed to build bridge core", "error", err)
		os.Exit(1)
	}
	if err := core.InitBridge(ctx, side, nil); err != nil {
		log.Error("bridge initialization failed", "error", err)
		os.Exit(1)
	}

	// ─── Status server ────────────────────────────────────────────────────────
	srv := &server.Server{Version: version, Side: side, Cfg: cfg, Store: store, Log: log}
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error("status server failed", "error", err)
		}
	}()

	// ─── Listener ─────────────────────────────────────────────────────────────
	switch side {
	case bridge.Fedi:
		l := &fedi.Listener{Core: core, Client: client, Log: log}
		err = l.Run(ctx)
	case bridge.XMPP:
		l := &xmppx.Listener{Core: core, Log: log}
		err = l.Run(ctx)
	}
	if err != nil && err != context.Canceled {
		log.Error("listener stopped", "error", err)
		os.Exit(1)
	}

	log.Info("xbridge stopped")
}

func parseSide(arg string) (bridge.Side, error) {
	switch arg {
	case "fedi", "ap", "fediverse":
		return bridge.Fedi, nil
	case "xmpp":
		return bridge.XMPP, nil
	}
	return 0, fmt.Errorf("unknown side %q", arg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
