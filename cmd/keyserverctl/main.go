package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danmuck/keyless/internal/bench"
	"github.com/danmuck/keyless/internal/config"
	"github.com/danmuck/keyless/internal/keyserver"
	"github.com/danmuck/keyless/internal/keystore"
	"github.com/danmuck/keyless/internal/observability"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "keyserverctl",
		Short:        "Keyless key server: performs private key operations for TLS front-ends",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), keysCmd(), skiCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		path   string
		listen string
		keyDir string
		admin  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the key directory and answer keyless requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("keyserverctl")
			cfg := keyserver.DefaultConfig()
			if path != "" {
				fc, err := config.LoadKeyServerConfig(path)
				if err != nil {
					return err
				}
				cfg = fc.KeyServer()
			}
			if listen != "" {
				cfg.Listener.Transport.Address = listen
			}
			if keyDir != "" {
				cfg.Keys.Dir = keyDir
			}
			if admin != "" {
				cfg.Admin.Addr = admin
			}
			svc, err := keyserver.NewService(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "keyserver TOML config (see configgen)")
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address")
	cmd.Flags().StringVar(&keyDir, "keys", "", "override key directory")
	cmd.Flags().StringVar(&admin, "admin", "", "override admin HTTP address")
	return cmd
}

func keysCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "keys <dir>",
		Short: "List the keys a directory would serve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(context.Background(), keystore.Config{Dir: args[0], Passphrase: passphrase})
			if err != nil {
				return err
			}
			defer store.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SKI\tALGORITHM\tBITS\tSOURCE")
			for _, k := range store.List() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", k.SKI, k.Algorithm, k.Bits, k.Source)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase for encrypted PKCS#8 keys")
	return cmd
}

func skiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ski <cert.pem>",
		Short: "Print the key identifier a front-end sends for a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bench.LoadCertificate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ski:         %s\n", keystore.FormatSKI(k.SKI))
			fmt.Fprintf(cmd.OutOrStdout(), "cert digest: %x\n", k.CertDigest)
			if k.ServerName != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "server name: %s\n", strings.TrimSpace(k.ServerName))
			}
			return nil
		},
	}
}
