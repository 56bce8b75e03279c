package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleman/internal/config"
	"github.com/srg/bleman/internal/goble"
	"github.com/srg/bleman/session"
)

const (
	exampleDeviceAddress = "e64d8a9b-f04a-4b4c-a02c-e2d7dcea080d"
	deviceAddressNote    = `Note: on macOS the device address is the CoreBluetooth identifier
reported by 'bleman scan', not the peripheral's public MAC address.`
)

// buildSession wires config, logger, the go-ble boundary, and a session
// together, then initializes the native stack. Callers own the returned
// session and must Close it.
func buildSession(cmd *cobra.Command) (*session.Session, *config.Config, *logrus.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	svc := goble.New(logger)
	sess := session.New(svc, logger, &session.Options{
		OperationTimeout: cfg.OperationTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
	})

	if err := sess.Initialize(context.Background()); err != nil {
		sess.Close()
		return nil, nil, nil, err
	}
	return sess, cfg, logger, nil
}
