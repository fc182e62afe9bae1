// Package main provides the entry point for the grouprelay server, a
// fleet-wide event relay: events published on any instance reach the
// streaming clients of every instance, scoped by group.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/grouprelay/relay-server/internal/bridge"
	"github.com/grouprelay/relay-server/internal/config"
	"github.com/grouprelay/relay-server/internal/node"
	"github.com/grouprelay/relay-server/internal/relay"
	"github.com/grouprelay/relay-server/internal/server"
)

var log = logging.Logger("grouprelay")

var rootCmd = &cobra.Command{
	Use:   "grouprelay",
	Short: "Group-keyed event relay for server-push streaming",
	Long: `grouprelay relays application events across a fleet of processes.
A client may open its streaming connection on any instance and still
receive events published from any other instance, scoped to the groups
it subscribes to.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the relay daemon",
	Long:  `Start the relay daemon: join the fleet bus and serve streaming clients.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a running daemon's registry snapshot",
	RunE:  runStatus,
}

var (
	configPath string
	debug      bool
	standalone bool
	httpListen string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().BoolVar(&standalone, "standalone", false, "run without the fleet bus (single-instance, in-process loopback)")
	daemonCmd.Flags().StringVarP(&httpListen, "listen", "l", "", "override HTTP listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if httpListen != "" {
		cfg.HTTP.Listen = httpListen
	}

	var bus bridge.Bus
	var fleetNode *node.Node
	var gossipBus *node.GossipBus

	if standalone {
		log.Info("standalone mode: fleet bus disabled, events stay in-process")
		bus = bridge.NewLoopbackBus()
	} else {
		fleetNode, err = node.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		if err := fleetNode.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}
		log.Infof("joined fleet as %s", fleetNode.PeerID())

		gossipBus = node.NewGossipBus(ctx, fleetNode.PubSub())
		bus = gossipBus
	}

	svc, err := relay.New(bus, cfg.Relay.TopicPrefix)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	srv := server.New(cfg, svc)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Sessions first so their unsubscribes run against a live registry,
	// then the bridge's bus subscription, then the node itself.
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	if err := svc.Close(); err != nil {
		log.Warnf("relay shutdown: %v", err)
	}
	if gossipBus != nil {
		if err := gossipBus.Close(); err != nil {
			log.Warnf("bus shutdown: %v", err)
		}
	}
	if fleetNode != nil {
		if err := fleetNode.Stop(); err != nil {
			log.Warnf("node shutdown: %v", err)
		}
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.HTTP.Listen + "/status")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.HTTP.Listen, err)
	}
	defer resp.Body.Close()

	var snap map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
