package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/amqplink"
	"github.com/glimte/amqplink/config"
	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/health"
	"github.com/glimte/amqplink/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configFile string
		brokerURL  string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "amqplink",
		Short: "Publish, call and serve over RabbitMQ",
		Long: `amqplink publishes messages with broker confirmations, sends RPC requests
and serves an echo responder, using the links from the amqplink library.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "RabbitMQ connection URL (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadClient := func() (*amqplink.Client, *config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, err
		}
		if brokerURL != "" {
			cfg.Broker.URL = brokerURL
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		logger := amqplink.NewLogger(cfg.Log, nil)
		slog.SetDefault(logger)

		client, err := amqplink.NewClientFromConfig(cfg, amqplink.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create client: %w", err)
		}
		return client, cfg, nil
	}

	// Publish command
	var (
		routingKey     string
		contentType    string
		confirmTimeout time.Duration
	)
	publishCmd := &cobra.Command{
		Use:   "publish <message>",
		Short: "Publish a message and wait for the broker confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := loadClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			var opts []amqplink.PublishOption
			if contentType != "" {
				opts = append(opts, amqplink.WithContentType(contentType))
			}
			if !client.Publish(ctx, []byte(args[0]), routingKey, opts...) {
				return errors.New("publish failed")
			}

			stats, err := waitConfirmed(ctx, client, confirmTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("published: acked=%d nacked=%d\n", stats.Acked, stats.Nacked)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key (defaults to the configured queue binding)")
	publishCmd.Flags().StringVar(&contentType, "content-type", "", "Content type of the message")
	publishCmd.Flags().DurationVar(&confirmTimeout, "confirm-timeout", 5*time.Second, "How long to wait for the broker confirmation")

	// Call command
	var callTimeout time.Duration
	callCmd := &cobra.Command{
		Use:   "call <message>",
		Short: "Send an RPC request and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, _, err := loadClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			reply, err := client.Call(ctx, []byte(args[0]), callTimeout)
			if err != nil {
				return err
			}
			fmt.Println(string(reply.Body))
			return nil
		},
	}
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 0, "Request timeout (defaults to rpc.timeout)")

	// Serve command
	var (
		queueName  string
		healthAddr string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo responder until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, cfg, err := loadClient()
			if err != nil {
				return err
			}
			defer closeClient(client)

			queue := contracts.QueueSpec{Name: queueName, RoutingKey: cfg.RPC.RoutingKey, Durable: true}
			if _, err := client.Serve(queue, echoHandler); err != nil {
				return err
			}

			if healthAddr != "" {
				srv := &http.Server{Addr: healthAddr, Handler: health.NewHandler(client.Health(), 5*time.Second)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("health server failed", "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			slog.Info("serving requests", "queue", queue.Name, "routingKey", queue.RoutingKey)
			<-ctx.Done()
			return nil
		},
	}
	serveCmd.Flags().StringVarP(&queueName, "queue", "q", "", "Request queue (defaults to the rpc routing key)")
	serveCmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health reports on this address, e.g. :8081")

	rootCmd.AddCommand(publishCmd, callCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeClient(client *amqplink.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		slog.Warn("failed to close client", "error", err)
	}
}

// waitConfirmed polls the publisher until nothing awaits confirmation
func waitConfirmed(ctx context.Context, client *amqplink.Client, timeout time.Duration) (amqplink.DeliveryStats, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats, err := client.Publisher().Stats(ctx)
		if err != nil {
			return stats, fmt.Errorf("failed to read confirmations: %w", err)
		}
		if stats.Pending == 0 {
			return stats, nil
		}
		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("%d messages unconfirmed: %w", stats.Pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

func echoHandler(_ context.Context, req messaging.Request) contracts.RPCResponse {
	slog.Debug("request received", "correlationId", req.CorrelationID, "bytes", len(req.Body))
	return contracts.Reply(req.Body)
}
