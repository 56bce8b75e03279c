package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleman/internal/bleuuid"
	"github.com/srg/bleman/internal/native"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BLE devices",
	Long: `Scans for BLE advertisements and prints each discovered device.

Examples:
  # Scan for 10 seconds (default)
  bleman scan

  # Scan for 30 seconds
  bleman scan --duration 30s

  # Only devices advertising the heart-rate service
  bleman scan --service 180d`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanServices string
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVar(&scanServices, "service", "", "Service UUID filter(s), comma-separated")
}

func runScan(cmd *cobra.Command, args []string) error {
	sess, cfg, _, err := buildSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd.SilenceUsage = true

	duration := scanDuration
	if duration == 0 {
		duration = cfg.ScanDuration
	}

	var filter []string
	if scanServices != "" {
		filter = parseCSVUUIDs(scanServices)
	}

	nameColor := color.New(color.FgCyan, color.Bold)
	addrColor := color.New(color.FgYellow)

	seen := make(map[string]struct{})
	err = sess.StartScan(context.Background(), filter, func(adv native.Advertisement) {
		if _, ok := seen[adv.Address]; ok {
			return
		}
		seen[adv.Address] = struct{}{}

		name := adv.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("%s  %s  RSSI %d", addrColor.Sprint(adv.Address), nameColor.Sprint(name), adv.RSSI)
		if len(adv.ServiceUUIDs) > 0 {
			short := make([]string, 0, len(adv.ServiceUUIDs))
			for _, u := range adv.ServiceUUIDs {
				short = append(short, bleuuid.Shorten(u))
			}
			fmt.Printf("  services=%s", strings.Join(short, ","))
		}
		if len(adv.ManufacturerData) > 0 {
			fmt.Printf("  mfr=%s", hex.EncodeToString(adv.ManufacturerData))
		}
		fmt.Println()
	})
	if err != nil {
		return err
	}

	// Run until the duration elapses or the user interrupts.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-time.After(duration):
	case <-sigChan:
	}

	if err := sess.StopScan(context.Background()); err != nil {
		return err
	}
	fmt.Printf("\n%d device(s) discovered\n", len(seen))
	return nil
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping empty entries.
func parseCSVUUIDs(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
