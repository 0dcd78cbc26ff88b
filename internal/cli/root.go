// Package cli is the ordersync dashboard command line: it runs one role's
// live order view against a gateway and issues order mutations.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/campusbite/ordersync/internal/dashboard"
	"github.com/campusbite/ordersync/internal/logger"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/realtime"
	"github.com/campusbite/ordersync/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
	errOut  io.Writer
}

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New(), out: os.Stdout, errOut: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "ordersync",
		Short: "Live campus order dashboard",
		Long: `ordersync keeps a student, vendor or delivery staff view of campus food
orders in sync with the order gateway, and sends order actions on their behalf.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
			return a.initConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.ordersync.yaml)")
	flags.String("gateway", "http://localhost:8081", "Order gateway base URL")
	flags.String("token", "", "Access token of the dashboard actor")
	flags.Duration("retry-delay", realtime.DefaultRetryDelay, "Delay before reconnecting the push stream")
	flags.Duration("poll-interval", realtime.DefaultPollInterval, "Interval of the background order refresh")
	flags.Duration("cache-ttl", 0, "Order cache freshness (0 keeps the default)")
	flags.String("log-level", "warn", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	a.v.BindPFlags(flags)

	rootCmd.AddCommand(
		a.watchCmd(),
		a.ordersCmd(),
		a.claimCmd(),
		a.deliverCmd(),
		a.confirmCmd(),
		a.rejectCmd(),
		a.prepareCmd(),
		a.readyCmd(),
		a.cancelCmd(),
		a.rateCmd(),
		a.refundCmd(),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".ordersync")
	}

	a.v.SetEnvPrefix("ORDERSYNC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		fmt.Fprintln(a.errOut, "Using config file:", a.v.ConfigFileUsed())
	}
	return nil
}

// open loads the config and builds an unmounted dashboard for the token's
// actor. The returned cleanup logs the session out.
func (a *app) open() (*dashboard.Dashboard, *Config, func(), error) {
	cfg, err := LoadConfig(a.v)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "ordersync"}, a.errOut)

	s, err := session.New(cfg.Token, cfg.Gateway)
	if err != nil {
		return nil, nil, nil, err
	}
	sessions := session.NewManager()
	sessions.Init(s)

	opts := cfg.DashboardOptions()
	opts.Notifier = notify.Multi{
		notify.LogDispatcher{Logger: log},
		notify.Func(func(_ context.Context, n notify.Notification) {
			printNotification(a.out, n)
		}),
	}
	d, err := dashboard.New(sessions, opts, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return d, cfg, sessions.Clear, nil
}

// load fetches one order into the dashboard view before a mutation.
func (a *app) load(ctx context.Context, d *dashboard.Dashboard, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := d.Tracker().Fetch(ctx, id); err != nil {
		return err
	}
	return nil
}
