package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cutipus/HermesNet/internal/server"
	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/transport"

	// Register transports.
	_ "github.com/Cutipus/HermesNet/pkg/transport/quic"
	_ "github.com/Cutipus/HermesNet/pkg/transport/tcp"
)

func newServeCmd() *cobra.Command {
	var (
		listen   string
		ownerTTL time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the index server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if ownerTTL <= 0 {
				ownerTTL = constants.OwnerTTL
			}
			cfg := treestore.DefaultConfig()
			cfg.OwnerTTL = ownerTTL
			store := treestore.New(cfg)
			srv := server.New(store)

			ln, err := listenOn(ctx, listen)
			if err != nil {
				return err
			}
			defer ln.Close()

			// Expire quiet owners between declarations too.
			go func() {
				ticker := time.NewTicker(ownerTTL / 2)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						store.ExpireStale()
					case <-ctx.Done():
						return
					}
				}
			}()

			fmt.Printf("index server listening on %s (%s)\n", ln.Addr(), flagTransport)
			err = srv.Serve(ctx, ln)
			if ctx.Err() != nil {
				fmt.Println("index server stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen",
		fmt.Sprintf(":%d", constants.DefaultIndexPort), "listen address")
	cmd.Flags().DurationVar(&ownerTTL, "owner-ttl", constants.OwnerTTL,
		"expire owners that have not declared or pinged within this window")
	return cmd
}

func listenOn(ctx context.Context, addr string) (transport.Listener, error) {
	tr, ok := transport.DefaultRegistry.Get(flagTransport)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", flagTransport)
	}
	tlsConfig, err := transport.EphemeralTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	ln, err := tr.Listen(ctx, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
