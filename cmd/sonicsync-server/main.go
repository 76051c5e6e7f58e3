// ABOUTME: Entry point for the SonicSync session server
// ABOUTME: Parses CLI flags, hosts an optional track file, runs until signalled
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sonicsync/sonicsync-go/internal/server"
)

var (
	port     int
	name     string
	noMDNS   bool
	hostFile string
	resolve  bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "sonicsync-server",
	Short: "Session server for synchronized multi-device playback",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", server.DefaultPort, "WebSocket server port")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "Server friendly name (default: hostname-sonicsync)")
	rootCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertisement")
	rootCmd.Flags().StringVar(&hostFile, "host", "", "Local audio file to serve on /stream")
	rootCmd.Flags().BoolVar(&resolve, "resolve", false, "Resolve webpage links to media URLs with yt-dlp")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	serverName := name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-sonicsync", hostname)
	}

	config := server.Config{
		Port:       port,
		Name:       serverName,
		EnableMDNS: !noMDNS,
	}
	if resolve {
		config.Resolver = &server.YTDLPResolver{}
	}

	srv := server.New(config, server.NewAppState())

	if hostFile != "" {
		if err := srv.HostFile(hostFile); err != nil {
			return fmt.Errorf("hosting %s: %w", hostFile, err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("Shutting down")
		srv.Stop()
	}()

	log.WithFields(log.Fields{
		"name": serverName,
		"port": port,
	}).Info("Starting server")

	return srv.Start()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
