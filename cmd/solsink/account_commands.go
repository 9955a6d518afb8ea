package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func addAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add an account to the watched set",
		ArgsUsage: "<account>",
		Description: `Add an account to the declarative watched set.

The running worker picks the account up on its next reconciliation pass and
starts a watcher for it. No worker restart is required.

Example:
  solsink accounts add DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}

			account := c.Args().First()
			if _, err := solanago.PublicKeyFromBase58(account); err != nil {
				return fmt.Errorf("invalid account address %q: %w", account, err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.AddWatchedAccount(context.Background(), account); err != nil {
				return fmt.Errorf("failed to add account: %w", err)
			}

			fmt.Fprintf(os.Stderr, "added %s to the watched set\n", account)
			return nil
		},
	}
}

func removeAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove an account from the watched set",
		Aliases:   []string{"rm"},
		ArgsUsage: "<account>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}

			account := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.RemoveWatchedAccount(context.Background(), account); err != nil {
				return fmt.Errorf("failed to remove account: %w", err)
			}

			fmt.Fprintf(os.Stderr, "removed %s from the watched set\n", account)
			return nil
		},
	}
}

func listSignaturesCommand() *cli.Command {
	return &cli.Command{
		Name:      "signatures",
		Usage:     "List discovered signatures for an account",
		ArgsUsage: "<account>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "after-slot",
				Usage: "Only show signatures above this slot",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}

			account := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sigs, err := store.SignaturesAfter(
				context.Background(), account, c.Uint64("after-slot"))
			if err != nil {
				return fmt.Errorf("failed to list signatures: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(sigs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tSIGNATURE\tOK\tBLOCK TIME")
			for _, sig := range sigs {
				blockTime := "-"
				if sig.BlockTime != nil {
					blockTime = sig.BlockTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", sig.Slot, sig.Signature, sig.Succeeded, blockTime)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d signatures for %s\n", len(sigs), account)
			return nil
		},
	}
}

func listAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List watched accounts and their watcher state",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			accounts, err := store.ListDesiredAccounts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			type row struct {
				Account         string  `json:"account"`
				Status          string  `json:"status"`
				CheckedUpToSlot uint64  `json:"checked_up_to_slot"`
				LatestSignature *string `json:"latest_signature,omitempty"`
				LogicVersion    uint32  `json:"logic_version"`
				UpdatedAt       *string `json:"updated_at,omitempty"`
			}

			rows := make([]row, 0, len(accounts))
			for _, account := range accounts {
				r := row{Account: account, Status: "pending"}
				rec, err := store.GetWatcher(ctx, account)
				if err != nil {
					return fmt.Errorf("failed to get watcher for %s: %w", account, err)
				}
				if rec != nil {
					r.Status = rec.Status
					r.CheckedUpToSlot = rec.CheckedUpToSlot
					r.LatestSignature = rec.LatestSignature
					r.LogicVersion = rec.LogicVersion
					updated := rec.UpdatedAt.Format(time.RFC3339)
					r.UpdatedAt = &updated
				}
				rows = append(rows, r)
			}

			if c.Bool("json") {
				return outputJSON(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tSTATUS\tCHECKED SLOT\tLATEST SIGNATURE\tUPDATED")
			for _, r := range rows {
				latest := "-"
				if r.LatestSignature != nil {
					latest = *r.LatestSignature
				}
				updated := "-"
				if r.UpdatedAt != nil {
					updated = *r.UpdatedAt
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.Account, r.Status, r.CheckedUpToSlot, latest, updated)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d accounts\n", len(rows))
			return nil
		},
	}
}
