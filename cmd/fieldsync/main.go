package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harvestline/fieldsync/internal/fieldsync"
	"github.com/harvestline/fieldsync/internal/httpapi"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync engine for the Harvestline field app",
	Long: `fieldsync keeps field writes durable while devices are offline and
replays them against the Harvestline API when connectivity returns.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine with its local status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := fieldsync.LoadConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			log.Printf("close failed: %v", closeErr)
		}
	}()
	if err := svc.Init(); err != nil {
		return err
	}

	server := httpapi.NewServer(svc)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("fieldsync listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
		return httpServer.Close()
	}
}

func buildService(cfg fieldsync.Config) (*fieldsync.Service, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	dsn, err := cfg.ResolveStoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := fieldsync.BuildKVStoreFromDSN(dsn, logger)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required (FIELDSYNC_API_BASE_URL)")
	}
	applier, err := fieldsync.NewHTTPRemoteApplier(fieldsync.HTTPApplierOptions{
		BaseURL: cfg.APIBaseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return cfg.APIToken, nil
		},
	})
	if err != nil {
		return nil, err
	}

	probe, err := buildProbe(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := fieldsync.NewService(fieldsync.ServiceOptions{
		Store:        store,
		Applier:      applier,
		Probe:        probe,
		PollInterval: cfg.PollInterval,
		OverrideFile: cfg.OverrideFile,
		Logger:       logger,
		Metrics:      fieldsync.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func buildProbe(cfg fieldsync.Config) (fieldsync.Probe, error) {
	probeURL := strings.TrimSpace(cfg.ProbeURL)
	if probeURL == "" {
		probeURL = strings.TrimRight(cfg.APIBaseURL, "/") + "/health"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ProbeKind)) {
	case "", "http":
		return fieldsync.NewHTTPProbe(probeURL, nil)
	case "websocket", "ws":
		return fieldsync.NewWebsocketProbe(probeURL, nil)
	default:
		return nil, fmt.Errorf("unsupported probe kind: %s", cfg.ProbeKind)
	}
}
