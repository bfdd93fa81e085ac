package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/keyless/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		kind     string
		output   string
		validate bool
		input    string
		force    bool
	)
	cmd := &cobra.Command{
		Use:          "configgen",
		Short:        "Write or validate keyless config templates",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				path := input
				if path == "" {
					path = defaultPath(kind)
				}
				if err := config.Validate(path, kind); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Validated %s config at %s\n", kind, path)
				return nil
			}
			target := output
			if target == "" {
				target = defaultPath(kind)
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&kind, "kind", "keyserver", "config kind: "+strings.Join(config.Kinds, "|"))
	fl.StringVar(&output, "output", "", "output path for config template")
	fl.BoolVar(&validate, "validate", false, "validate an existing config file")
	fl.StringVar(&input, "input", "", "config path for validation (defaults to per-kind cmd path)")
	fl.BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

func defaultPath(kind string) string {
	name := strings.ToLower(strings.TrimSpace(kind))
	return filepath.Join("cmd", name+"ctl", "config.toml")
}
