package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"attacklens/internal/mitre"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the cached MITRE ATT&CK catalog",
}

var catalogRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a catalog refresh from the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := mitre.NewProvider(mitre.ProviderConfig{
			URL:             cfg.Catalog.URL,
			BackupURL:       cfg.Catalog.BackupURL,
			CacheDir:        cfg.Catalog.CacheDir,
			RefreshInterval: cfg.Catalog.RefreshInterval,
			FetchTimeout:    cfg.Catalog.FetchTimeout,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Catalog.FetchTimeout+time.Minute)
		defer cancel()

		snap, err := provider.Refresh(ctx, true)
		if err != nil {
			return fmt.Errorf("refresh catalog: %w", err)
		}
		fmt.Printf("catalog version %s: %d techniques", snap.Version, snap.Index.Len())
		if snap.Stale {
			fmt.Print(" (stale cache, all sources unreachable)")
		}
		fmt.Println()
		return nil
	},
}

var catalogInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the cached catalog version without fetching",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(filepath.Join(cfg.Catalog.CacheDir, "meta.json"))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no cached catalog; run `attacklens catalog refresh`")
				return nil
			}
			return fmt.Errorf("read catalog metadata: %w", err)
		}

		var meta struct {
			Version   string    `json:"version"`
			FetchedAt time.Time `json:"fetchedAt"`
			SHA256    string    `json:"sha256"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("parse catalog metadata: %w", err)
		}
		fmt.Printf("version:    %s\n", meta.Version)
		fmt.Printf("fetched at: %s\n", meta.FetchedAt.Format(time.RFC3339))
		fmt.Printf("sha256:     %s\n", meta.SHA256)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogRefreshCmd, catalogInfoCmd)
}
