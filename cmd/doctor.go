package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/birdwatch-im/birdwatch/internal/cache"
	"github.com/birdwatch-im/birdwatch/internal/config"
	"github.com/birdwatch-im/birdwatch/internal/directory/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("BirdWatch doctor")
			fmt.Printf("  Version:    %s\n", Version)

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Printf("  Config:     FAILED (%s)\n", err)
				return err
			}
			fmt.Printf("  Config:     ok (%s)\n", resolveConfigPath())
			fmt.Printf("  JID:        %s (+%d secondary)\n", cfg.XMPP.JID, len(cfg.XMPP.SecondaryJIDs))
			fmt.Printf("  Server:     %s\n", cfg.XMPP.Server)

			if cfg.Database.Mode == "managed" {
				if db, err := pg.OpenDB(cfg.Database.PostgresDSN); err != nil {
					fmt.Printf("  Database:   CONNECT FAILED (%s)\n", err)
				} else {
					db.Close()
					fmt.Println("  Database:   ok (managed)")
				}
			} else {
				fmt.Println("  Database:   standalone (in-process)")
			}

			if cfg.Cache.NATSURL != "" {
				kv, err := cache.OpenNatsKV(cache.NatsKVConfig{
					URL:    cfg.Cache.NATSURL,
					Bucket: cfg.Cache.Bucket,
					Name:   "birdwatch-doctor",
					TTL:    time.Hour,
				})
				if err != nil {
					fmt.Printf("  Cache:      CONNECT FAILED (%s)\n", err)
				} else {
					kv.Close()
					fmt.Printf("  Cache:      ok (nats, bucket %s)\n", cfg.Cache.Bucket)
				}
			} else {
				fmt.Println("  Cache:      in-process")
			}

			fmt.Printf("  Chirp API:  %s (every %dm)\n", cfg.Chirp.BaseURL, cfg.Chirp.WatchFreqMinutes)
			return nil
		},
	}
}
