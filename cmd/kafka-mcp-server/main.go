// Command kafka-mcp-server serves Kafka topic administration and message production as
// MCP tools over stdio or SSE.
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

	"github.com/MegaGrindStone/kafka-mcp"
	"github.com/MegaGrindStone/kafka-mcp/servers/kafka"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

const instructions = "Call kafka_initialize_connection with the path of a Kafka client properties file " +
	"before using any other tool."

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "kafka-mcp-server",
		Short:        "MCP server exposing Kafka topic administration and message production",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}

			logger := newLogger(os.Stderr, s)
			slog.SetDefault(logger)

			return run(cmd.Context(), s, logger, kafka.NewHolder(kafka.WithHolderLogger(logger)))
		},
	}

	registerFlags(cmd.Flags())
	cobra.CheckErr(bindSettings(v, cmd.Flags()))

	return cmd
}

// run serves MCP until shutdown and tears the holder down before returning.
func run(ctx context.Context, s settings, logger *slog.Logger, holder *kafka.Holder) (err error) {
	// The handle is released on every exit path, including a failed startup connect.
	defer func() {
		if tErr := holder.Teardown(); tErr != nil {
			err = multierror.Append(err, tErr)
		}
		logger.Info("kafka session released")
	}()

	if s.KafkaConfig != "" {
		out := holder.Establish(ctx, s.KafkaConfig)
		if !out.OK() {
			return fmt.Errorf("failed to connect at startup: %w", out.Err)
		}
		logger.Info("connected to kafka at startup", slog.String("configFile", s.KafkaConfig))
	}

	var transport mcp.ServerTransport
	var httpSrv *http.Server
	switch s.Transport {
	case transportSSE:
		sse := mcp.NewSSEServer(s.BaseURL+"/message", mcp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/sse", sse.HandleSSE())
		mux.Handle("/message", sse.HandleMessage())
		httpSrv = &http.Server{
			Addr:              s.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		transport = sse
	default:
		transport = mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	}

	srv := mcp.NewServer(
		mcp.Info{Name: "kafka-mcp-server", Version: version},
		transport,
		mcp.WithToolServer(kafka.NewServer(holder, kafka.WithServerLogger(logger))),
		mcp.WithInstructions(instructions),
		mcp.WithServerPingInterval(s.PingInterval),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name),
				slog.String("clientVersion", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve()
	}()

	httpErrs := make(chan error, 1)
	if httpSrv != nil {
		go func() {
			logger.Info("serving sse", slog.String("addr", s.Addr), slog.String("baseURL", s.BaseURL))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrs <- err
			}
		}()
	} else {
		logger.Info("serving stdio")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-serveDone:
		logger.Info("client closed the session")
	case runErr = <-httpErrs:
		logger.Error("http server failed", slog.String("err", runErr.Error()))
		runErr = fmt.Errorf("failed to serve http: %w", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	var errs *multierror.Error
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to shutdown mcp server: %w", err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}

	return errs.ErrorOrNil()
}
