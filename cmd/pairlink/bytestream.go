package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pairlink/pkg/auth"
	"pairlink/pkg/bytestream"
	"pairlink/pkg/codec"
	"pairlink/pkg/connection"
	"pairlink/pkg/jid"
	"pairlink/pkg/metrics"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
	"pairlink/pkg/transmitter"
)

func bytestreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bytestream",
		Short: "Binary side-channel tools",
	}
	cmd.AddCommand(bytestreamServeCmd(), bytestreamSendCmd())
	return cmd
}

func bytestreamServeCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept binary extensions and log the stanzas they carry",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Bytestream.Address
			}

			rx := receiver.New(newRegistry(), cfg.ReceiverOptions(), logger)
			rx.Start()
			defer rx.Stop()
			rx.AddListener(func(s *stanza.Stanza) {
				for _, ext := range s.Extensions {
					logger.Info("Received stanza",
						zap.Stringer("from", s.From),
						zap.String("id", s.ID),
						zap.String("namespace", ext.Namespace()),
						zap.String("element", ext.ElementName()))
				}
			}, nil)

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			defer m.Attach(rx)()

			state := connection.NewTracker(nil, logger)
			state.AddListener(m.ConnectionStateChanged)
			if err := state.Transition(connection.Connecting); err != nil {
				return err
			}

			var metricsServer interface{ Shutdown(context.Context) error }
			if cfg.Metrics.Address != "" {
				endpoint := metrics.NewHealthEndpoint(state, registry, logger)
				metricsServer = metrics.StartServer(cfg.Metrics.Address, endpoint, logger)
			}

			builder, err := auth.NewTLSConfigBuilder(cfg.Bytestream.TLS)
			if err != nil {
				return err
			}
			serverOpts, err := builder.ServerOptions()
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", address)
			if err != nil {
				_ = state.Fail(err)
				return fmt.Errorf("failed to listen on %s: %w", address, err)
			}
			server := bytestream.NewServer(rx, logger, serverOpts...)
			if err := state.Transition(connection.Connected); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("Shutting down bytestream server")
				_ = state.Transition(connection.Disconnecting)
				server.Stop()
			}()

			serveErr := server.Serve(lis)
			_ = state.Transition(connection.NotConnected)

			if metricsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				serveErr = multierr.Append(serveErr, metricsServer.Shutdown(ctx))
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (defaults to the configured address)")
	return cmd
}

func bytestreamSendCmd() *cobra.Command {
	var (
		peers   []string
		to      string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <stanza-file>",
		Short: "Send the extensions of a stanza over the binary side-channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(peers) == 0 && cfg.Bytestream.Peer != "" {
				peers = []string{cfg.Bytestream.Peer}
			}
			if len(peers) == 0 {
				return fmt.Errorf("no peer address given")
			}

			local := jid.MustParse("pairlink@localhost/cli")
			if cfg.JID != "" {
				if local, err = cfg.Local(); err != nil {
					return err
				}
			}
			target, err := jid.Parse(to)
			if err != nil {
				return fmt.Errorf("invalid recipient: %w", err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read stanza: %w", err)
			}
			s, err := codec.ParseStanza(data, newRegistry(), logger)
			if err != nil {
				return err
			}
			if len(s.Extensions) == 0 {
				return fmt.Errorf("stanza carries no extensions")
			}

			builder, err := auth.NewTLSConfigBuilder(cfg.Bytestream.TLS)
			if err != nil {
				return err
			}
			dialOpts, err := builder.DialOptions()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var clients []*bytestream.Client
			defer func() {
				if cerr := bytestream.CloseAll(clients...); cerr != nil {
					logger.Warn("Failed to close bytestream clients", zap.Error(cerr))
				}
			}()

			var errs error
			for _, addr := range peers {
				client, err := bytestream.Dial(ctx, addr, logger, dialOpts...)
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				clients = append(clients, client)

				tx := transmitter.New(local, nil, logger)
				tx.SetBinaryChannel(client, cfg.TransmitterOptions())
				for _, ext := range s.Extensions {
					if err := tx.SendBinary(ctx, target, ext); err != nil {
						errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
						continue
					}
					fmt.Printf("%s %s -> %s\n", okStyle.Render("sent"), ext.ElementName(), addr)
				}
			}
			return errs
		},
	}

	cmd.Flags().StringSliceVar(&peers, "peer", nil, "bytestream address of a peer (repeatable)")
	cmd.Flags().StringVar(&to, "to", "peer@localhost", "recipient address recorded in the transfer")
	cmd.Flags().DurationVar(&timeout, "timeout", bytestream.DefaultDialTimeout, "transfer timeout")
	return cmd
}
