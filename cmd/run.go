package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"popfork/config"
	"popfork/db"
	"popfork/fork"
	"popfork/jsonrpc"
	"popfork/logx"
	"popfork/ratelimit"
	"popfork/remote"
	"popfork/runtime"
	"popfork/types"
)

var (
	configPath string
	tuningPath string
	ephemeral  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fork the remote chain and serve it locally",
	Run: func(cmd *cobra.Command, args []string) {
		runFork(configPath, tuningPath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "fork.yml", "Fork configuration file")
	runCmd.Flags().StringVarP(&tuningPath, "tuning", "t", "", "Optional remote tuning file")
	runCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Wipe cached state and local blocks on shutdown")
}

func runFork(configPath, tuningPath string) {
	cfg, err := config.LoadForkConfig(configPath)
	if err != nil {
		logx.Error("CMD", "load config:", err.Error())
		os.Exit(1)
	}

	tuning := config.DefaultTuningConfig()
	if tuningPath != "" {
		if tuning, err = config.LoadTuningConfig(tuningPath); err != nil {
			logx.Error("CMD", "load tuning:", err.Error())
			os.Exit(1)
		}
	}

	provider, err := openProvider(cfg)
	if err != nil {
		logx.Error("CMD", "open storage:", err.Error())
		os.Exit(1)
	}
	defer provider.Close()

	client := remote.NewClient(remote.ClientConfig{
		Endpoint:    cfg.Endpoint,
		DialTimeout: time.Duration(tuning.DialTimeoutMs) * time.Millisecond,
		MaxRetries:  tuning.MaxRetries,
		RetryDelay:  time.Duration(tuning.RetryDelayMs) * time.Millisecond,
		MaxInFlight: tuning.MaxInFlight,
	})

	forkCfg := fork.Config{
		ExpectedChain:  cfg.Chain,
		PageSize:       tuning.PageSize,
		WarmupDisabled: tuning.WarmupDisabled,
	}
	if cfg.BlockHash != "" {
		hash, err := types.HashFromHex(cfg.BlockHash)
		if err != nil {
			logx.Error("CMD", "bad block_hash:", err.Error())
			os.Exit(1)
		}
		forkCfg.ForkHash = hash
	} else if cfg.BlockNumber != 0 {
		number := cfg.BlockNumber
		forkCfg.ForkNumber = &number
	}

	f := fork.New(forkCfg, client, provider, runtime.NewDevExecutor())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = f.Init(ctx)
	cancel()
	if err != nil {
		logx.Error("CMD", "fork init:", err.Error())
		os.Exit(1)
	}

	server := jsonrpc.NewServer(cfg.Listen, cfg.Chain, f, f, f)
	server.SetCORSConfig(jsonrpc.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	if cfg.RateLimit > 0 {
		limiterCfg := ratelimit.DefaultConfig()
		limiterCfg.MaxRequests = cfg.RateLimit
		limiter := ratelimit.NewLimiter(limiterCfg)
		defer limiter.Stop()
		server.SetRateLimiter(limiter)
	}
	server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logx.Info("CMD", "received", sig.String(), "- shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logx.Warn("CMD", "server stop:", err.Error())
	}
	if ephemeral {
		if err := f.CloseAndPurge(); err != nil {
			logx.Warn("CMD", "fork purge:", err.Error())
		}
	} else if err := f.Close(); err != nil {
		logx.Warn("CMD", "fork close:", err.Error())
	}
}

func openProvider(cfg *config.ForkConfig) (db.IterableProvider, error) {
	switch cfg.Backend {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, err
		}
		return db.NewBoltProvider(filepath.Join(cfg.DataDir, "state.db"))
	case "memory":
		return db.NewMemoryProvider(), nil
	default:
		return db.NewLevelDBProvider(filepath.Join(cfg.DataDir, "leveldb"))
	}
}
