package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a stored canonical transaction by signature",
		ArgsUsage: "<signature>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the canonical payload",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction signature")
			}

			signature := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tx, err := store.GetTransaction(context.Background(), signature)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			if tx == nil {
				return fmt.Errorf("no stored transaction for signature %s", signature)
			}

			if expr := c.String("jq"); expr != "" {
				return runJQ(expr, tx.Payload)
			}

			fmt.Fprintf(os.Stderr, "signature=%s slot=%d logic_version=%d stored=%s\n",
				tx.Signature, tx.Slot, tx.LogicVersion, tx.CreatedAt.Format(time.RFC3339))
			fmt.Println(string(tx.Payload))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List ingested transactions for a watched account",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "account",
				Aliases:  []string{"a"},
				Usage:    "Watched account to list transactions for",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:  "since-slot",
				Usage: "Only show transactions at or above this slot",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to each canonical payload",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			account := c.String("account")
			txs, err := store.ListTransactionsForAccountSince(
				context.Background(), account, c.Uint64("since-slot"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if expr := c.String("jq"); expr != "" {
				code, err := compileJQ(expr)
				if err != nil {
					return err
				}
				for _, tx := range txs {
					if err := emitJQ(code, tx.Payload); err != nil {
						return fmt.Errorf("jq failed on %s: %w", tx.Signature, err)
					}
				}
				return nil
			}

			// One canonical payload per line; metadata goes to stderr so the
			// stream stays pipeable.
			for _, tx := range txs {
				fmt.Println(string(tx.Payload))
			}
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions for %s\n", len(txs), account)
			return nil
		},
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression %q: %w", expr, err)
	}
	return code, nil
}

func runJQ(expr string, payload []byte) error {
	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	return emitJQ(code, payload)
}

// emitJQ runs a compiled jq program over one canonical payload and prints
// each result as a JSON line.
func emitJQ(code *gojq.Code, payload []byte) error {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := v.(error); isErr {
			return err
		}
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
}
