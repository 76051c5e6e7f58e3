// ABOUTME: Headless client for joining a session from the command line
// ABOUTME: Syncs clocks, prints engine events, optionally requests a track
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sonicsync/sonicsync-go/internal/discovery"
	"github.com/sonicsync/sonicsync-go/internal/engine"
)

var (
	serverAddr string
	deviceID   string
	playURL    string
	delayMS    uint64
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sonicsync-client",
	Short: "Join a session, sync clocks, and follow playback commands",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address (host:port); discovered via mDNS when empty")
	rootCmd.Flags().StringVar(&deviceID, "device-id", "", "Device identifier (default: generated)")
	rootCmd.Flags().StringVar(&playURL, "play", "", "Track URL to request for all peers once synced")
	rootCmd.Flags().Uint64Var(&delayMS, "delay", 500, "Start delay in milliseconds for --play")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	if serverAddr == "" {
		addr, err := discoverServer()
		if err != nil {
			return err
		}
		fmt.Printf("Discovered host at %s\n", addr)
		serverAddr = addr
	}

	eng := engine.New(engine.Config{
		ServerAddr: serverAddr,
		DeviceID:   deviceID,
	})

	if err := eng.Connect(); err != nil {
		return fmt.Errorf("connecting to %s: %w", serverAddr, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		eng.Close()
	}()

	requested := false
	for ev := range eng.Events() {
		switch ev.Kind {
		case engine.EventConnected:
			fmt.Printf("Joined session %s\n", ev.SessionID)

		case engine.EventSyncUpdated:
			fmt.Printf("Synced: offset %dus, rtt %dus\n", ev.OffsetUS, ev.RTTUS)
			if playURL != "" && !requested {
				requested = true
				fmt.Printf("Requesting %s in %dms\n", playURL, delayMS)
				eng.SendPlayRequest(playURL, delayMS)
			}

		case engine.EventScheduledPlay:
			fmt.Printf("Scheduled: %s at position %dms in %dms\n",
				ev.TrackURL, ev.PositionMS, ev.WaitUS/1000)

		case engine.EventStarted:
			fmt.Printf("Started: %s at position %dms\n", ev.TrackURL, ev.PositionMS)

		case engine.EventSkippedLate:
			fmt.Printf("Skipped late start for %s (deadline %d)\n", ev.TrackURL, ev.ServerTime)

		case engine.EventPaused:
			fmt.Println("Paused")

		case engine.EventSyncRequired:
			fmt.Println("Server requested resync")

		case engine.EventDisconnected:
			fmt.Println("Disconnected")
			return nil
		}
	}
	return nil
}

// discoverServer browses the LAN for an advertised host.
func discoverServer() (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()
	mgr.Browse()

	select {
	case info := <-mgr.Servers():
		return fmt.Sprintf("%s:%d", info.Host, info.Port), nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("no hosts found on the local network")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
