// Command modelregistryd serves the model registry's HTTP surface: the
// check-dependencies and download endpoints described by spec.md §4.9/§6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comfy-registry/modelregistry/dcontext"
	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/config"
	"github.com/comfy-registry/modelregistry/internal/credentials"
	"github.com/comfy-registry/modelregistry/internal/downloader"
	"github.com/comfy-registry/modelregistry/internal/httpapi"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
	"github.com/comfy-registry/modelregistry/internal/resolver"
	"github.com/comfy-registry/modelregistry/internal/urladmission"
)

var configPath string

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the registry's YAML configuration file")
}

var rootCmd = &cobra.Command{
	Use:   "modelregistryd",
	Short: "modelregistryd serves the content-addressed model registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(path string) error {
	cfg, err := resolveConfig(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	configureLogging(cfg)

	policy := pathpolicy.New(cfg.BasePath)

	cat, err := catalog.Open(policy.CatalogPath())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	admitter := urladmission.New(cfg.URLAdmission.AllowedHosts)
	broker := credentials.New()
	engine := downloader.New(policy, cat, admitter, broker, http.DefaultClient, cfg.Download.IdleTimeout)
	res := resolver.New(policy, cat)
	server := httpapi.New(policy, cat, res, engine)

	if path != "" {
		stop := watchAllowlist(path, admitter)
		defer stop()
	}

	var handler http.Handler = server.Router()
	handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	logrus.WithField("addr", cfg.HTTP.Addr).Info("listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-quit:
		logrus.Info("stopping server gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
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

func configureLogging(cfg *config.Configuration) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	}

	dcontext.SetDefaultLogger(logrus.NewEntry(logrus.StandardLogger()))
}

// watchAllowlist watches the configuration file for changes and reloads
// the URL admission allowlist from it, so an operator can add a new
// trusted host without restarting the daemon. Any other field change in
// the file requires a restart; only the allowlist is hot-reloaded.
func watchAllowlist(path string, admitter *urladmission.Admitter) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.WithError(err).Warn("could not start config watcher, allowlist will not hot-reload")
		return func() {}
	}
	if err := watcher.Add(path); err != nil {
		logrus.WithError(err).Warn("could not watch config file, allowlist will not hot-reload")
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := config.Load(path)
				if err != nil {
					logrus.WithError(err).Warn("config reload failed, keeping previous allowlist")
					continue
				}
				admitter.SetAllowedHosts(cfg.URLAdmission.AllowedHosts)
				logrus.WithField("allowed_hosts", cfg.URLAdmission.AllowedHosts).Info("reloaded url admission allowlist")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return func() { watcher.Close() }
}
