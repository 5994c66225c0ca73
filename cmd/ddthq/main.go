// Command ddthq is a small demo CLI over the queue library: produce and
// consume messages, inspect sizes, and run one orphan-recovery pass against
// any configured backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	queue "github.com/blameswood/ddth-queue"
	"github.com/blameswood/ddth-queue/factory"
	"github.com/blameswood/ddth-queue/pkg/log"
)

func main() {
	level, err := log.ParseLevel(os.Getenv("DDTHQ_LOG_LEVEL"))
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewLogger(
		log.WithLevel(level),
		log.WithFormatter(&log.TextFormatter{}),
		log.WithOutput(log.NewConsoleOutput()),
	)
	log.RedirectStdLog(logger)

	var (
		configPath string
		queueName  string
	)

	rootCmd := &cobra.Command{
		Use:   "ddthq",
		Short: "Durable message queue CLI",
		Long:  "ddthq drives a configured queue backend: produce, consume, stats, and orphan recovery.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the queues JSON config")
	rootCmd.PersistentFlags().StringVarP(&queueName, "queue", "q", "default", "queue name from the config")

	openQueue := func() (*queue.Engine, error) {
		cfg, err := factory.Load(configPath)
		if err != nil {
			return nil, err
		}
		qc, ok := cfg.Queues[queueName]
		if !ok && configPath != "" {
			return nil, fmt.Errorf("queue %q is not configured in %s", queueName, configPath)
		}
		if !ok {
			// no config: fall back to a process-local queue for quick trials
			qc = factory.QueueConfig{Type: "inmem"}
		}
		factory.FromEnv(&qc)
		eng, err := factory.Build(qc, logger)
		if err != nil {
			return nil, err
		}
		if err := eng.Init(); err != nil {
			_ = eng.Close()
			return nil, err
		}
		return eng, nil
	}

	// produce
	var messages []string
	produceCmd := &cobra.Command{
		Use:   "produce",
		Short: "Queue messages from flags or stdin lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openQueue()
			if err != nil {
				return err
			}
			defer eng.Close()
			ctx := cmd.Context()

			payloads := messages
			if len(payloads) == 0 {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					payloads = append(payloads, scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			for _, p := range payloads {
				ok, err := eng.Queue(ctx, queue.NewMessage([]byte(p)))
				if err != nil {
					return err
				}
				if !ok {
					logger.Warn("queue rejected message", log.Int("bytes", len(p)))
				}
			}
			logger.Info("produced", log.Int("count", len(payloads)))
			return nil
		},
	}
	produceCmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "message payload (repeatable; stdin lines when absent)")
	rootCmd.AddCommand(produceCmd)

	// consume
	var (
		count   int
		workers int
		nack    bool
	)
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Take messages and acknowledge them",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openQueue()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					taken := 0
					for ctx.Err() == nil && (count <= 0 || taken < count) {
						msg, err := eng.Take(ctx)
						if err != nil {
							return err
						}
						if msg == nil {
							return nil
						}
						taken++
						fmt.Printf("%s\t%d\t%s\n", msg.ID(), msg.NumRequeues(), msg.Payload())
						if nack {
							if _, err := eng.Requeue(ctx, msg); err != nil {
								return err
							}
							continue
						}
						if err := eng.Finish(ctx, msg); err != nil {
							return err
						}
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	consumeCmd.Flags().IntVarP(&count, "count", "n", 0, "messages per worker, 0 = until empty")
	consumeCmd.Flags().IntVarP(&workers, "workers", "w", 1, "concurrent consumers")
	consumeCmd.Flags().BoolVar(&nack, "requeue", false, "requeue instead of finishing (for testing retry counters)")
	rootCmd.AddCommand(consumeCmd)

	// stats
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queued and in-flight sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openQueue()
			if err != nil {
				return err
			}
			defer eng.Close()
			ctx := cmd.Context()
			fmt.Printf("queued:    %d\n", eng.QueueSize(ctx))
			fmt.Printf("ephemeral: %d\n", eng.EphemeralSize(ctx))
			return nil
		},
	}
	rootCmd.AddCommand(statsCmd)

	// recover
	var (
		threshold time.Duration
		batch     int
	)
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one orphan-recovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openQueue()
			if err != nil {
				return err
			}
			defer eng.Close()

			rec := queue.NewRecoverer(eng, queue.RecovererConfig{
				Threshold: threshold,
				BatchSize: batch,
			}, logger)
			moved, err := rec.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("recovered: %d\n", moved)
			return nil
		},
	}
	recoverCmd.Flags().DurationVar(&threshold, "threshold", 5*time.Minute, "age past which in-flight messages count as orphaned")
	recoverCmd.Flags().IntVar(&batch, "batch", 100, "max messages recovered in the pass")
	rootCmd.AddCommand(recoverCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", log.Err(err))
		os.Exit(1)
	}
}
