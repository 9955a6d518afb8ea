package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/solsink/solsink/service/discovery"
	"github.com/solsink/solsink/service/solana"
)

func discoveryCommands() *cli.Command {
	return &cli.Command{
		Name:  "discovery",
		Usage: "Manual signature discovery runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.IntFlag{
				Name:  "page-limit",
				Usage: "Signatures per page (upstream maximum is 1000)",
				Value: 1000,
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:      "backfill",
				Usage:     "Walk an account's history backward to genesis",
				ArgsUsage: "<account>",
				Description: `Page backward from the oldest stored signature until the upstream
returns an empty page. Safe to interrupt and re-run: inserts are
idempotent and each run resumes from the stored frontier.`,
				Action: func(c *cli.Context) error {
					return runDiscovery(c, func(ctx context.Context, d *discovery.Discoverer, account solanago.PublicKey) (discovery.Result, error) {
						return d.Backfill(ctx, account)
					})
				},
			},
			{
				Name:      "frontfill",
				Usage:     "Fetch signatures newer than the stored watermark",
				ArgsUsage: "<account>",
				Action: func(c *cli.Context) error {
					return runDiscovery(c, func(ctx context.Context, d *discovery.Discoverer, account solanago.PublicKey) (discovery.Result, error) {
						return d.Frontfill(ctx, account)
					})
				},
			},
		},
	}
}

func runDiscovery(
	c *cli.Context,
	run func(context.Context, *discovery.Discoverer, solanago.PublicKey) (discovery.Result, error),
) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: account address")
	}

	account, err := solanago.PublicKeyFromBase58(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid account address: %w", err)
	}

	rpcURL := c.String("rpc-url")
	if rpcURL == "" {
		return fmt.Errorf("rpc-url is required (set SOLANA_RPC_URL env var or use --rpc-url)")
	}

	store, closer, err := getStore(c)
	if err != nil {
		return err
	}
	defer closer()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	gateway := solana.NewGateway(
		solana.NewRPCClient(rpcURL), nil, solana.DefaultRetryConfig(), nil, logger)
	d := discovery.NewDiscoverer(gateway, store, c.Int("page-limit"), nil, logger)

	res, err := run(context.Background(), d, account)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return outputJSON(res)
	}
	fmt.Fprintf(os.Stderr, "pages=%d fetched=%d inserted=%d\n", res.Pages, res.Fetched, res.Inserted)
	return nil
}
