package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/version"
)

// settings are the process level options. The monitoring rules live in
// the YAML file named by ConfigPath.
type settings struct {
	ConfigPath    string
	Environment   string
	LogLevel      string
	Listen        string
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	ShutdownGrace time.Duration
	LogBuffer     int
	Watch         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newViper reads every setting from ALERTD_* variables, with flags taking
// precedence when set
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ALERTD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "alertd",
		Short:         "Threshold monitoring, correlation and escalating notification engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.String("config", "/etc/alertd/alertd.yaml", "Path to the monitoring configuration")
	flags.String("env", config.EnvProduction, "Environment preset (development, test, production)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = v.BindPFlags(flags)

	root.AddCommand(newRunCmd(v), newValidateCmd(v), newVersionCmd())
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the alert engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, loadSettings(v))
		},
	}
	flags := cmd.Flags()
	flags.String("listen", ":8088", "API listen address")
	flags.String("store", "memory", "Alert store backend (memory, redis)")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("redis-prefix", "alertd:", "Redis key prefix")
	flags.Duration("shutdown-grace", 5*time.Second, "Time given to in-flight notifications at shutdown")
	flags.Int("log-buffer", 1000, "Log lines kept for /api/logs")
	flags.Bool("watch", true, "Reload the configuration when the file changes")
	_ = v.BindPFlags(flags)
	return cmd
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a configuration file and list refused entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings(v)
			if len(args) == 1 {
				s.ConfigPath = args[0]
			}
			return validate(cmd, s)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		ConfigPath:    v.GetString("config"),
		Environment:   v.GetString("env"),
		LogLevel:      v.GetString("log-level"),
		Listen:        v.GetString("listen"),
		Store:         v.GetString("store"),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		RedisPrefix:   v.GetString("redis-prefix"),
		ShutdownGrace: v.GetDuration("shutdown-grace"),
		LogBuffer:     v.GetInt("log-buffer"),
		Watch:         v.GetBool("watch"),
	}
}

// validate loads the file the way run would and reports what was refused
func validate(cmd *cobra.Command, s settings) error {
	cfg, err := config.Load(s.ConfigPath, s.Environment)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", s.ConfigPath, cfg.Environment)
	fmt.Fprintf(out, "  thresholds:          %d\n", len(cfg.Specs))
	fmt.Fprintf(out, "  channels:            %d\n", len(cfg.Notifications.Channels))
	fmt.Fprintf(out, "  escalation policies: %d\n", len(cfg.Escalation.Policies))
	fmt.Fprintf(out, "  correlation rules:   %d\n", len(cfg.Correlation.Rules))
	fmt.Fprintf(out, "  cascade rules:       %d\n", len(cfg.Suppression.Cascade))
	fmt.Fprintf(out, "  maintenance windows: %d\n", len(cfg.Maintenance))

	if problems := cfg.Problems(); problems != nil {
		return fmt.Errorf("configuration has refused entries: %w", problems)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// shutdownContext bounds the shutdown sequence
func shutdownContext(grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), grace+5*time.Second)
}
