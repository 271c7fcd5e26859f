package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/redconsec/redcon/internal/engine"
	"github.com/redconsec/redcon/internal/log"
	"github.com/redconsec/redcon/internal/model"
	"github.com/redconsec/redcon/internal/schedule"
	"github.com/redconsec/redcon/internal/server"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/redcon on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "redcon")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is redcon.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRedcon

	scanCmd.Flags().StringVar(&flagScanType, "type", "network", "scan type: network, web, ad, full or custom")
	scanCmd.Flags().StringSliceVar(&flagScanTargets, "target", nil, "target host, CIDR or URL (repeatable)")
	scanCmd.Flags().StringSliceVar(&flagScanTools, "tool", nil, "explicit tool list, runs in the order given (repeatable)")
	scanCmd.Flags().BoolVar(&flagAuthorized, "authorized", false, "confirm you hold authorization to test the targets")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("redcon failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "redcon",
	Short:        "Scan orchestration engine for authorized penetration tests",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command starts the engine, the scheduler and the HTTP API",
	RunE:  doRun,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan command executes a single scan and prints the result",
	RunE:  doScan,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of redcon",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("redcon: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("redcon: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("redcon",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	eng, err := engine.New(ctx, config)
	if err != nil {
		return err
	}

	var scheduler *schedule.Scheduler
	if len(config.Schedules) > 0 {
		scheduler, err = schedule.New(ctx, config.Schedules, eng.CreateScan)
		if err != nil {
			return fmt.Errorf("loading schedules: %w", err)
		}
		scheduler.Start()
	}

	srv := server.New(eng, scheduler)
	err = srv.Run(ctx, config.Service.Listen)

	if scheduler != nil {
		if serr := scheduler.Shutdown(); serr != nil {
			slog.ErrorContext(ctx, "scheduler shutdown failed", "error", serr)
		}
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), config.Engine.ScanBudget())
	defer cancel()
	if cerr := eng.Close(closeCtx); cerr != nil {
		slog.ErrorContext(ctx, "engine shutdown failed", "error", cerr)
	}
	return err
}

func initRedcon(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("REDCONCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "redcon.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "redcon.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	opts := log.Options{Verbose: config.Service.Verbose}
	if config.Service.Log != nil {
		opts.File = config.Service.Log.File
		opts.MaxSizeMB = config.Service.Log.MaxSizeMB
		opts.MaxBackups = config.Service.Log.MaxBackups
	}
	slog.SetDefault(log.New(opts))

	slog.Debug("redcon start", "configPath", configPath)
	slog.Debug("redcon start", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
