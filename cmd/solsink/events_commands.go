package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/events"
)

// subscribeCommand streams ingested-transaction events for an account.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to ingested-transaction events for an account",
		ArgsUsage: "<account>",
		Description: `Subscribe to transaction events published to NATS JetStream.

Events for an account are published to the subject: ingest.tx.{account}

Example:
  solsink events subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "solsink-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("account address is required")
			}

			account := c.Args().Get(0)
			natsURL := c.String("nats-url")
			durable := c.Bool("durable")
			consumerName := c.String("consumer-name")
			jsonOutput := c.Bool("json")

			return streamEvents(account, natsURL, durable, consumerName, jsonOutput)
		},
	}
}

// replayCommand republishes stored canonical transactions to the stream.
func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Republish stored transactions for an account to the event stream",
		ArgsUsage: "<account>",
		Description: `Republish an account's stored canonical transactions as one batch.

Useful when a downstream decoder needs to rebuild its state, or after a
normalization logic-version bump re-derived the stored payloads.

Example:
  solsink events replay DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --since-slot 307000000`,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "since-slot",
				Usage: "Only replay transactions above this slot",
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

			txs, err := store.ListTransactionsForAccountSince(
				context.Background(), account, c.Uint64("since-slot"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			if len(txs) == 0 {
				fmt.Fprintf(os.Stderr, "no stored transactions for %s\n", account)
				return nil
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			pub, err := events.NewPublisher(c.String("nats-url"), nil, logger)
			if err != nil {
				return fmt.Errorf("failed to connect publisher: %w", err)
			}
			defer pub.Close()

			batch := replayEvents(account, txs, time.Now().UTC())
			if err := pub.PublishTransactionBatch(context.Background(), batch); err != nil {
				return fmt.Errorf("failed to publish batch: %w", err)
			}

			fmt.Fprintf(os.Stderr, "republished %d transactions for %s\n", len(batch), account)
			return nil
		},
	}
}

// replayEvents rebuilds the publish payload for stored canonical rows.
func replayEvents(account string, txs []db.StoredTransaction, publishedAt time.Time) []*events.TransactionEvent {
	batch := make([]*events.TransactionEvent, 0, len(txs))
	for _, tx := range txs {
		batch = append(batch, &events.TransactionEvent{
			Account:      account,
			Signature:    tx.Signature,
			Slot:         tx.Slot,
			BlockTime:    tx.BlockTime,
			LogicVersion: tx.LogicVersion,
			Transaction:  json.RawMessage(tx.Payload),
			PublishedAt:  publishedAt,
		})
	}
	return batch
}

// streamEvents connects to NATS and streams transaction events until
// interrupted.
func streamEvents(account, natsURL string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := fmt.Sprintf("ingest.tx.%s", account)

	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "subscribing to %s on %s\n", subject, natsURL)
		if durable {
			fmt.Fprintf(os.Stderr, "consumer: %s (durable)\n", consumerName)
		}
		fmt.Fprintf(os.Stderr, "waiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), events.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event events.TransactionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "error parsing event: %v\n", err)
				msg.Ack()
				continue
			}

			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				fmt.Printf("event #%d\n", count)
				fmt.Printf("  signature: %s\n", event.Signature)
				fmt.Printf("  slot:      %d\n", event.Slot)
				if event.BlockTime != nil {
					fmt.Printf("  blocktime: %s\n", event.BlockTime.Format(time.RFC3339))
				}
				fmt.Printf("  published: %s\n\n", event.PublishedAt.Format(time.RFC3339))
			}

			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nreceived %d event(s)\n", count)
			}
			return nil
		}
	}
}
