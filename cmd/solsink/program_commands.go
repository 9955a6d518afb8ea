package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/solsink/solsink/service/ingest"
	"github.com/solsink/solsink/service/solana"
)

// programCacheSize caps the interface cache for a one-shot CLI fetch.
const programCacheSize = 64

func programCommands() *cli.Command {
	return &cli.Command{
		Name:  "program",
		Usage: "On-chain program inspection commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Fetch interface metadata for one or more programs",
				ArgsUsage: "<program-id>...",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("at least one program id is required")
					}

					rpcURL := c.String("rpc-url")
					if rpcURL == "" {
						return fmt.Errorf("rpc-url is required (set SOLANA_RPC_URL env var or use --rpc-url)")
					}

					logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
						Level: slog.LevelWarn,
					}))
					gateway := solana.NewGateway(
						solana.NewRPCClient(rpcURL), nil, solana.DefaultRetryConfig(), nil, logger)

					cache, err := ingest.NewProgramInfoCache(gateway, programCacheSize)
					if err != nil {
						return err
					}

					infos := make([]*ingest.ProgramInfo, 0, c.NArg())
					for _, id := range c.Args().Slice() {
						info, err := cache.Get(context.Background(), id)
						if err != nil {
							return fmt.Errorf("failed to fetch program %s: %w", id, err)
						}
						infos = append(infos, info)
					}

					return outputJSON(infos)
				},
			},
		},
	}
}
