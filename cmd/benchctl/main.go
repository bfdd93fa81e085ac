package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/keyless/internal/bench"
	"github.com/danmuck/keyless/internal/config"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/observability"
	"github.com/danmuck/keyless/internal/protocol"
)

type flags struct {
	path        string
	target      string
	opcode      string
	cert        string
	ski         string
	concurrency int
	requests    int
	duration    time.Duration
	rate        float64
	pool        int
	jsonOut     bool
}

func main() {
	var f flags
	if err := newRootCmd(&f).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(f *flags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "benchctl",
		Short:        "Load-test a keyless key server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("benchctl")
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			r, err := bench.NewRunner(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rep, err := r.Run(ctx)
			if err != nil {
				return err
			}
			if f.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			rep.Print(cmd.OutOrStdout())
			return nil
		},
	}
	fl := rootCmd.Flags()
	fl.StringVarP(&f.path, "config", "c", "", "bench TOML config (see configgen)")
	fl.StringVarP(&f.target, "target", "t", "", "key server address")
	fl.StringVarP(&f.opcode, "opcode", "o", "", "operation, e.g. ping, ecdsa-sign-sha256, rsa-decrypt")
	fl.StringVar(&f.cert, "cert", "", "certificate whose key is exercised")
	fl.StringVar(&f.ski, "ski", "", "hex key identifier, instead of --cert")
	fl.IntVar(&f.concurrency, "concurrency", 0, "concurrent workers")
	fl.IntVarP(&f.requests, "requests", "n", 0, "total requests")
	fl.DurationVarP(&f.duration, "duration", "d", 0, "run time limit")
	fl.Float64Var(&f.rate, "rate", 0, "requests per second across workers")
	fl.IntVarP(&f.pool, "pool", "C", 0, "shared connections; 0 gives each worker its own")
	fl.BoolVar(&f.jsonOut, "json", false, "print the report as JSON")
	return rootCmd
}

// resolve overlays explicitly set flags on the config file or defaults.
func (f flags) resolve(cmd *cobra.Command) (bench.Config, error) {
	cfg := bench.DefaultConfig()
	if f.path != "" {
		var err error
		if cfg, err = config.LoadBenchConfig(f.path); err != nil {
			return bench.Config{}, err
		}
	}
	set := cmd.Flags().Changed
	if set("target") {
		cfg.Target.Address = f.target
	}
	if set("opcode") {
		op, err := protocol.ParseOpcode(f.opcode)
		if err != nil {
			return bench.Config{}, err
		}
		cfg.Opcode = op
	}
	if set("cert") {
		k, err := bench.LoadCertificate(f.cert)
		if err != nil {
			return bench.Config{}, err
		}
		cfg.Key = k
	}
	if set("ski") {
		ski, err := keystore.ParseSKI(f.ski)
		if err != nil {
			return bench.Config{}, err
		}
		cfg.Key.SKI = ski
	}
	if set("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if set("requests") {
		cfg.Requests = f.requests
	}
	if set("duration") {
		cfg.Duration = f.duration
		if !set("requests") {
			cfg.Requests = 0
		}
	}
	if set("rate") {
		cfg.Rate = f.rate
	}
	if set("pool") {
		cfg.Pool = f.pool
	}
	return cfg, nil
}
