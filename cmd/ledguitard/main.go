// Command ledguitard runs the LED guitar controller service: it serves
// the companion-app command protocol over a framed transport, persists
// settings to the flash sector file, and buffers analytics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ledguitar/internal/analytics"
	"ledguitar/internal/bus"
	"ledguitar/internal/config"
	"ledguitar/internal/device"
	"ledguitar/internal/logging"
	"ledguitar/internal/session"
	"ledguitar/internal/settings"
	"ledguitar/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "ledguitard",
		Short:         "LED guitar controller daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the controller protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ledguitard %s (built %s)\n", version, buildDate)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	if err := root.Execute(); err != nil {
		slog.Error("run ledguitard", "error", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(configPath)

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, filepath.Join(dataDir, "ledguitard.log")); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("daemon")
	logger.Info("starting ledguitard", "version", version, "device", cfg.Device.Name)

	sectorPath := cfg.Storage.SettingsFile
	if sectorPath == "" {
		sectorPath = filepath.Join(dataDir, "settings.bin")
	}
	sector, err := settings.OpenFileSector(sectorPath, settings.SectorSize)
	if err != nil {
		return fmt.Errorf("open settings sector: %w", err)
	}
	defer func() {
		if closeErr := sector.Close(); closeErr != nil {
			logger.Warn("close settings sector", "error", closeErr)
		}
	}()
	store, err := settings.NewStore(sector, logMgr.Logger("settings"))
	if err != nil {
		return fmt.Errorf("initialize settings store: %w", err)
	}

	dbPath := cfg.Storage.AnalyticsDB
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "analytics.db")
	}
	db, err := analytics.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open analytics db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close analytics db", "error", closeErr)
		}
	}()
	buffer := analytics.NewBuffer(db, cfg.Session.AnalyticsBatchSize, cfg.Session.AnalyticsMaxEvents, logMgr.Logger("analytics"))

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	recorder := analytics.NewRecorder(buffer, b, logMgr.Logger("analytics"))
	recorder.Start(ctx)

	guard := session.NewGuard("", cfg.Ownership.BypassPrefix, logMgr.Logger("ownership"))
	configSession := session.New(
		time.Duration(cfg.Session.ConfigTimeoutSeconds)*time.Second,
		time.Now,
		logMgr.Logger("session"),
	)

	handler, loadStatus, err := device.NewHandler(device.HandlerDeps{
		Identity: device.Identity{
			Name:              cfg.Device.Name,
			Manufacturer:      cfg.Device.Manufacturer,
			FirmwareVersion:   cfg.Device.FirmwareVersion,
			LEDCount:          cfg.Device.LEDCount,
			MaxPowerMilliamps: cfg.Device.MaxPowerMilliamps,
			BatteryLowPercent: cfg.Device.BatteryLowPercent,
		},
		Store:     store,
		Guard:     guard,
		Session:   configSession,
		Analytics: buffer,
		LED:       device.NewSlogDriver(cfg.Device.LEDCount, logMgr.Logger("led")),
		Power:     device.FixedPower(100),
		Bus:       b,
		Logger:    logMgr.Logger("handler"),
	})
	if err != nil {
		return fmt.Errorf("initialize handler: %w", err)
	}
	if loadStatus == settings.LoadCorrupt {
		logger.Warn("settings were corrupt at startup, factory defaults restored")
	}

	tr, err := buildTransport(cfg.Connection)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			logger.Warn("close transport", "error", closeErr)
		}
	}()

	svc := device.NewService(tr, handler, b, logMgr.Logger("service"))
	svc.Run(ctx)
	logger.Info("ledguitard stopped")
	return nil
}

func buildTransport(cfg config.ConnectionConfig) (transport.Transport, error) {
	switch cfg.Connector {
	case config.ConnectorSerial:
		return transport.NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
	case config.ConnectorTCP:
		return transport.NewTCPTransport(cfg.ListenAddr), nil
	default:
		return nil, fmt.Errorf("unsupported connector: %q", cfg.Connector)
	}
}
