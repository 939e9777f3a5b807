// Package main implements a broker service that provisions url healthchecks,
// alert triggers and notification watchers in a remote Zabbix installation,
// keeping the local mapping in a document store.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	gcs "cloud.google.com/go/storage"

	"github.com/tsuru/healthcheck-as-a-service/broker"
	"github.com/tsuru/healthcheck-as-a-service/server"
	"github.com/tsuru/healthcheck-as-a-service/storage"
	"github.com/tsuru/healthcheck-as-a-service/zabbix"
)

func main() {
	ctx := context.Background()

	level := slog.LevelInfo
	if debug := os.Getenv("API_DEBUG"); debug == "1" || debug == "true" || debug == "True" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	retries := 0
	if v := os.Getenv("ZABBIX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Error("Invalid ZABBIX_RETRIES value", "value", v, "error", err)
			os.Exit(1)
		}
		retries = n
	}

	zabbixCfg := zabbix.Config{
		URL:         os.Getenv("ZABBIX_URL"),
		User:        os.Getenv("ZABBIX_USER"),
		Password:    os.Getenv("ZABBIX_PASSWORD"),
		HostGroupID: os.Getenv("ZABBIX_HOST_GROUP"),
		Retries:     retries,
	}
	// Fail fast on missing settings rather than at first use.
	remote, err := zabbix.NewClient(ctx, zabbixCfg, logger)
	if err != nil {
		logger.Error("Failed to initialize Zabbix client", "error", err)
		os.Exit(1)
	}

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	salt := os.Getenv("STORAGE_SALT")
	if salt == "" {
		if localStorage == "" {
			logger.Error("STORAGE_SALT environment variable required with STORAGE_BUCKET")
			os.Exit(1)
		}
		salt = "local-dev"
	}

	var storageClient *gcs.Client
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	store := storage.New(storageClient, bucket, localStorage, []byte(salt), logger)
	b := broker.New(remote, store, zabbixCfg.HostGroupID, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8888"
	}
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:" + port
	}

	srv := server.New(&server.Config{
		Broker:   b,
		Logger:   logger,
		APIURL:   apiURL,
		Username: os.Getenv("API_USERNAME"),
		Password: os.Getenv("API_PASSWORD"),
	})

	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
