// Command modelregistry-migrate performs a one-shot migration pass over an
// existing model tree, per spec.md §4.8.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/config"
	"github.com/comfy-registry/modelregistry/internal/migrate"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
)

var (
	configPath string
	dryRun     bool
	kindsFlag  []string
)

var rootCmd = &cobra.Command{
	Use:   "modelregistry-migrate",
	Short: "modelregistry-migrate ingests an existing model tree into the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath, dryRun, kindsFlag)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the registry's YAML configuration file")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report planned changes without writing to the catalog")
	rootCmd.Flags().StringSliceVar(&kindsFlag, "kind", nil, "restrict the migration to these kinds (default: all)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string, dryRun bool, kinds []string) error {
	cfg, err := resolveConfig(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	policy := pathpolicy.New(cfg.BasePath)

	cat, err := catalog.Open(policy.CatalogPath())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	opts := migrate.Options{DryRun: dryRun}
	for _, k := range kinds {
		opts.Kinds = append(opts.Kinds, pathpolicy.Kind(strings.TrimSpace(k)))
	}

	summary, err := migrate.New(policy, cat).Run(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println(summary.String())
	for _, fe := range summary.Errors {
		logrus.WithError(fe.Err).Warnf("skipped %s", fe.Path)
	}
	if len(summary.Errors) > 0 {
		return fmt.Errorf("migration completed with %d file error(s)", len(summary.Errors))
	}
	return nil
}

func resolveConfig(path string) (*config.Configuration, error) {
	if path == "" {
		if env := os.Getenv("MODELREGISTRY_CONFIGURATION_PATH"); env != "" {
			path = env
		}
	}
	if path == "" {
		def := config.Default()
		return &def, nil
	}
	return config.Load(path)
}
