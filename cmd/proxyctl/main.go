package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/keyless/internal/config"
	"github.com/danmuck/keyless/internal/observability"
	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/proxy"
	"github.com/danmuck/keyless/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "proxyctl",
		Short:        "Keyless proxy: relays key operations to one upstream key server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), pingCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		path     string
		listen   string
		upstream string
		admin    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept keyless connections and forward them upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("proxyctl")
			cfg := proxy.DefaultConfig()
			if path != "" {
				fc, err := config.LoadProxyConfig(path)
				if err != nil {
					return err
				}
				cfg = fc.Proxy()
			}
			if listen != "" {
				cfg.Listener.Transport.Address = listen
			}
			if upstream != "" {
				cfg.Upstream.Transport.Address = upstream
			}
			if admin != "" {
				cfg.Admin.Addr = admin
			}
			svc, err := proxy.NewService(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "proxy TOML config (see configgen)")
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address")
	cmd.Flags().StringVar(&upstream, "upstream", "", "override upstream key server address")
	cmd.Flags().StringVar(&admin, "admin", "", "override admin HTTP address")
	return cmd
}

func pingCmd() *cobra.Command {
	var (
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Ping a key server or proxy over the keyless protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("proxyctl")
			tc := transport.DefaultConfig()
			tc.Address = args[0]
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			conn, err := transport.Dial(ctx, tc)
			if err != nil {
				return err
			}
			tr, err := session.Open(conn, session.DefaultConfig())
			if err != nil {
				_ = conn.Close()
				return err
			}
			defer tr.Close()
			for i := 0; i < count; i++ {
				req, err := protocol.NewPing([]byte(fmt.Sprintf("ping-%d", i))).Build()
				if err != nil {
					return err
				}
				start := time.Now()
				resp, err := session.Do(ctx, tr, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s id=%d time=%s\n", args[0], resp.Opcode(), resp.ID, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 3, "pings to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall deadline")
	return cmd
}
