package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/alert"
	"github.com/jbweber/homelab/cidrd/internal/allocator"
	"github.com/jbweber/homelab/cidrd/internal/config"
	"github.com/jbweber/homelab/cidrd/internal/datastore"
	"github.com/jbweber/homelab/cidrd/internal/logging"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// app carries the state shared by every subcommand
type app struct {
	configPath string
	overrides  config.Config

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "cidrd",
		Short:        "Allocate non-overlapping subnets from registered supernets",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVar(&a.overrides.Backend, "backend", "", "storage backend (sqlite, dynamodb, memory)")
	flags.StringVar(&a.overrides.DBPath, "db-path", "", "sqlite database path")
	flags.StringVar(&a.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.overrides.LogFormat, "log-format", "", "log format (json, console)")

	cmd.AddCommand(
		newServeCommand(a),
		newMigrateCommand(a),
		newSupernetCommand(a),
		newAllocationCommand(a),
	)
	return cmd
}

// setup loads the config, applies flag overrides and builds the logger
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = a.overrides.Backend
	}
	if flags.Changed("db-path") {
		cfg.DBPath = a.overrides.DBPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.overrides.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.overrides.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// awsSession returns a session when the backend or the alert destination needs one
func (a *app) awsSession() (*session.Session, error) {
	if a.cfg.Backend != config.BackendDynamoDB && !strings.HasPrefix(a.cfg.AlertDestination, "arn:") {
		return nil, nil
	}
	return datastore.NewAWSSession(a.cfg.AWSRegion)
}

// services are the components built from the config
type services struct {
	store    *datastore.Datastore
	monitor  *allocator.CapacityMonitor
	engine   *allocator.Engine
	registry *allocator.SupernetRegistry
}

func (a *app) openServices() (*services, error) {
	sess, err := a.awsSession()
	if err != nil {
		return nil, err
	}

	store, err := datastore.Open(a.cfg, sess, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s datastore: %w", a.cfg.Backend, err)
	}

	sender, err := alert.New(alert.Options{
		Destination:   a.cfg.AlertDestination,
		WebhookSecret: a.cfg.AlertWebhookSecret,
		Timeout:       a.cfg.AlertTimeout,
		Retries:       a.cfg.AlertRetries,
	}, sess, a.logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	monitor := allocator.NewCapacityMonitor(sender, a.cfg.AlertThreshold, a.logger,
		allocator.WithAlertTimeout(alertDeadline(a.cfg)))
	return &services{
		store:    store,
		monitor:  monitor,
		engine:   allocator.NewEngine(store.Supernets, store.Allocations, monitor, a.logger, allocator.WithMaxAttempts(a.cfg.MaxAttempts)),
		registry: allocator.NewSupernetRegistry(store.Supernets, store.Allocations, a.logger),
	}, nil
}

// alertDeadline bounds one alert delivery: every webhook try at its full
// timeout plus the backoff between tries.
func alertDeadline(cfg *config.Config) time.Duration {
	backoff := time.Duration(1<<uint(cfg.AlertRetries)) * time.Second
	return time.Duration(cfg.AlertRetries)*cfg.AlertTimeout + backoff
}

// Close delivers queued alerts, then releases the datastore
func (s *services) Close() error {
	s.monitor.Close()
	return s.store.Close()
}
