package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"repcore/internal/ack"
	"repcore/internal/config"
	"repcore/internal/node"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML node config")
	name := flag.String("name", "", "Member name (overrides config)")
	groupName := flag.String("group", "", "Group name (overrides config)")
	host := flag.String("host", "", "Host to listen on (overrides config)")
	port := flag.Int("port", -1, "Port to listen on, 0 picks a free one (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	helpers := flag.String("helpers", "", "Comma-separated host:port list of existing members")
	nodeType := flag.String("type", "", "Node type: ELECTABLE, SECONDARY, ARBITER or EXTERNAL")
	master := flag.Bool("master", false, "Start holding the master role")
	join := flag.Bool("join", false, "Join the group as a replica after startup")
	commits := flag.Int("commits", 0, "Number of demo transactions to commit when master")
	commitInterval := flag.Duration("commit-interval", time.Second, "Pause between demo transactions")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on, empty disables")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	overrides := func(c *config.NodeConfig) {
		if *name != "" {
			c.Name = *name
		}
		if *groupName != "" {
			c.Group = *groupName
		}
		if *host != "" {
			c.Host = *host
		}
		if *port >= 0 {
			c.Port = *port
		}
		if *dataDir != "" {
			c.DataDir = *dataDir
		}
		if *helpers != "" {
			c.Helpers = strings.Split(*helpers, ",")
		}
		if *nodeType != "" {
			c.Type = *nodeType
		}
		if *debug {
			c.Debug = true
		}
	}

	var (
		cfg *config.NodeConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath, overrides)
	} else {
		cfg, err = config.New(overrides)
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	n, err := node.Open(cfg, node.Options{Registerer: registry})
	if err != nil {
		log.Fatalf("Failed to open node %s: %v", cfg.Name, err)
	}
	log.Printf("Node %s listening on %s", n.Name(), n.Self().Address())

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return n.Serve(egCtx) })

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			log.Printf("Serving metrics on %s", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	switch {
	case *master:
		n.SetMaster(n.Name())
		if *commits > 0 {
			eg.Go(func() error {
				runCommits(egCtx, n, *commits, *commitInterval)
				return nil
			})
		}
	case *join:
		eg.Go(func() error {
			res, err := n.Join(egCtx)
			if err != nil {
				return err
			}
			log.Printf("Joined master %s after %d attempts", res.Master.Name, res.Attempts)
			if res.Restore != nil {
				log.Printf("Restored %d files (%d bytes) from %s", res.Restore.Files, res.Restore.BytesCopied,
					res.Restore.Donor.Member.Name)
			}
			if res.Rollback != nil {
				log.Printf("Rolled back %d transactions to matchpoint %d", res.Rollback.CommittedTxns,
					res.Rollback.Matchpoint)
			}
			return nil
		})
	}

	err = eg.Wait()
	// Serve closes the node when the context ends; a failed join or metrics server leaves it open
	if closeErr := n.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		log.Fatalf("Node %s exited: %v", cfg.Name, err)
	}
	log.Printf("Node %s stopped", cfg.Name)
}

// runCommits appends count single-record transactions after the current end of the log, one every interval.
func runCommits(ctx context.Context, n *node.Node, count int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		vlsn := n.Segments().RangeEnd() + 1
		txnID := uuid.NewString()
		payload := []byte(fmt.Sprintf("txn %s at %s", txnID, time.Now().Format(time.RFC3339Nano)))
		info, err := n.Commit(ctx, txnID, vlsn, vlsn, payload)

		var insufficient *ack.InsufficientAcksError
		switch {
		case errors.As(err, &insufficient):
			log.Printf("Commit %s written to %s but not durable: %v", txnID, info.Name(), err)
		case err != nil:
			log.Printf("Commit %s failed: %v", txnID, err)
			return
		default:
			log.Printf("Committed %s at VLSN %d", txnID, vlsn)
		}
	}
}
