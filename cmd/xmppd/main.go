// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs the federation core: an outgoing s2s connection
// registry and a pubsub service for the configured domain. Stanzas emitted
// by the pubsub service that address a remote domain are routed through the
// s2s registry; everything else is a deployment concern of the surrounding
// server and is logged.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mellium.im/xmppd/pubsub"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/s2s"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/storage/memstore"
	"mellium.im/xmppd/storage/sqlite"
)

func main() {
	var (
		domain    = flag.String("domain", "", "local domain served by this instance (required)")
		pubsubSub = flag.String("pubsub", "pubsub", "subdomain of the pubsub service")
		dbPath    = flag.String("db", "", "path to the sqlite database, empty for in-memory storage")
		secret    = flag.String("secret", "", "site-wide dialback secret (required)")
		certFile  = flag.String("cert", "", "TLS certificate for outgoing STARTTLS")
		keyFile   = flag.String("key", "", "TLS key for outgoing STARTTLS")
		idle      = flag.Duration("idle-timeout", s2s.DefaultIdleTimeout, "established stream idle timeout")
		debug     = flag.Bool("debug", false, "log at debug level in a human readable format")
	)
	flag.Parse()
	if err := run(*domain, *pubsubSub, *dbPath, *secret, *certFile, *keyFile, *idle, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "xmppd:", err)
		os.Exit(1)
	}
}

func run(domain, pubsubSub, dbPath, secret, certFile, keyFile string, idle time.Duration, debug bool) error {
	if domain == "" {
		return fmt.Errorf("the -domain flag is required")
	}
	if secret == "" {
		return fmt.Errorf("the -secret flag is required")
	}

	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	var db storage.DB
	if dbPath == "" {
		db = memstore.New()
		log.Warn("using in-memory storage, node state will not survive restarts")
	} else {
		sdb, err := sqlite.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer sdb.Close()
		db = sdb
	}

	opts := []s2s.Option{
		s2s.Secret([]byte(secret)),
		s2s.IdleTimeout(idle),
		s2s.Logger(log.Named("s2s")),
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		opts = append(opts, s2s.StartTLS(func(local, remote string) *tls.Config {
			return &tls.Config{
				Certificates: []tls.Certificate{cert},
				ServerName:   remote,
			}
		}))
	}
	// Stanzas the registry cannot deliver are bounced through this router;
	// without a local session manager attached the bounce is only logged.
	opts = append(opts, s2s.Router(logRouter(log.Named("bounce"))))

	reg := s2s.NewRegistry(opts...)
	defer reg.Close()

	serviceHost := pubsubSub + "." + domain
	svc := pubsub.NewService(serviceHost, db,
		pubsub.WithRouter(splitRouter(domain, reg, log.Named("local"))),
		pubsub.WithLogger(log.Named("pubsub")),
	)
	defer svc.Close()

	log.Info("xmppd running",
		zap.String("domain", domain),
		zap.String("pubsub", serviceHost),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// splitRouter sends stanzas for remote domains through the s2s registry and
// logs local deliveries, which belong to the surrounding server.
func splitRouter(domain string, remote router.Router, log *zap.Logger) router.Router {
	return router.Func(func(ctx context.Context, st router.Stanza) error {
		to := st.To.Domainpart()
		if to != domain && !isSubdomain(to, domain) {
			return remote.Route(ctx, st)
		}
		log.Debug("local stanza",
			zap.String("to", st.To.String()),
			zap.String("kind", string(st.Kind)),
		)
		return nil
	})
}

func logRouter(log *zap.Logger) router.Router {
	return router.Func(func(_ context.Context, st router.Stanza) error {
		log.Warn("undeliverable stanza bounced",
			zap.String("to", st.To.String()),
			zap.String("id", st.ID),
		)
		return nil
	})
}

func isSubdomain(host, domain string) bool {
	return len(host) > len(domain)+1 &&
		host[len(host)-len(domain):] == domain &&
		host[len(host)-len(domain)-1] == '.'
}
