package main

import (
	"context"
	"fmt"

	"github.com/Alexander-D-Karpov/parley/internal/app"
	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/infra/cache"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newClearEmbeddingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-embeddings",
		Short: "Drop cached prompt embeddings from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cacheClient, err := app.OpenCache(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			if cacheClient == nil {
				return fmt.Errorf("redis is not enabled in config")
			}
			defer func() {
				if err := cacheClient.Close(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error closing cache client: %v\n", err)
				}
			}()

			pattern := retrieval.EmbeddingCachePrefix + "*"
			if model != "" {
				pattern = retrieval.EmbeddingCachePrefix + model + ":*"
			}

			count, err := clearKeys(cmd.Context(), cacheClient, pattern)
			if err != nil {
				return fmt.Errorf("clear embeddings: %w", err)
			}
			if count == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached embeddings found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached embeddings\n", count)
			return nil
		},
	}
	cmd.Flags().String("model", "", "only clear keys for this embedder name, e.g. genai:gemini-embedding-001")
	return cmd
}

func clearKeys(ctx context.Context, c *cache.Cache, pattern string) (int, error) {
	iter := c.Client().Scan(ctx, 0, pattern, 0).Iterator()
	pipe := c.Client().Pipeline()

	count := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count, nil
}
