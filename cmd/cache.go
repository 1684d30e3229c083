package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/gallery-proxy/internal/cache"
	"github.com/JakeFAU/gallery-proxy/internal/clock/system"
)

// newCacheCmd groups record cache maintenance commands.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the on-disk record cache",
	}
	cmd.AddCommand(newCacheClearCmd(), newCacheSweepCmd())
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCache(cmd)
			if err != nil {
				return err
			}
			removed := store.Clear()
			cmd.Printf("removed %d cached records\n", removed)
			return nil
		},
	}
}

func newCacheSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and corrupt cached records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCache(cmd)
			if err != nil {
				return err
			}
			removed := store.CleanupExpired()
			cmd.Printf("removed %d expired records\n", removed)
			return nil
		},
	}
}

func openCache(cmd *cobra.Command) (*cache.FileStore, error) {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return nil, err
	}
	store, err := cache.New(cache.Config{
		Dir: rt.cfg.Cache.Dir,
		TTL: rt.cfg.CacheTTL(),
	}, system.New(), rt.logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}
