package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Bluetooth adapter status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	sess, _, _, err := buildSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd.SilenceUsage = true

	enabled, err := sess.IsEnabled(context.Background())
	if err != nil {
		return err
	}

	if enabled {
		fmt.Printf("Bluetooth: %s\n", color.GreenString("enabled"))
	} else {
		fmt.Printf("Bluetooth: %s\n", color.RedString("disabled"))
	}
	return nil
}
