package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/internal/peer"
	"github.com/Cutipus/HermesNet/internal/server"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

func newPeerCmd() *cobra.Command {
	var (
		share    string
		listen   string
		announce string
		storeDir string
		interval time.Duration
		withdraw bool
	)
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Index a directory, declare it, and serve its chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := peer.Listen(ctx, flagTransport, listen)
			if err != nil {
				return err
			}
			defer ln.Close()
			addr := peer.ListenAddr(announce, ln)

			decl, svc, err := declareDir(ctx, share, addr)
			if err != nil {
				return err
			}
			fmt.Printf("declared %s as %s\n", share, decl.RootHash)
			fmt.Printf("serving chunks on %s (%s)\n", addr, flagTransport)

			seeded, closeStores := seedPartials(svc, storeDir)
			defer closeStores()
			if seeded > 0 {
				fmt.Printf("seeding %d in-progress downloads\n", seeded)
			}

			// Keep the declaration alive with periodic pings; re-declare if
			// the index has expired us.
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						keepAlive(ctx, decl)
					case <-ctx.Done():
						return
					}
				}
			}()

			err = svc.Serve(ctx, ln)
			if ctx.Err() == nil {
				return err
			}

			if withdraw {
				wctx, cancel := context.WithTimeout(context.Background(), constants.FetchTimeout)
				defer cancel()
				if client, derr := server.Dial(wctx, flagTransport, flagIndex, flagOwner); derr == nil {
					client.Withdraw(wctx)
					client.Close()
				}
				fmt.Println("withdrew declarations")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&share, "share", ".", "directory to index and serve")
	cmd.Flags().StringVar(&listen, "listen",
		fmt.Sprintf(":%d", constants.DefaultPeerPort), "chunk service listen address")
	cmd.Flags().StringVar(&announce, "announce", "localhost", "host advertised to the index")
	cmd.Flags().StringVar(&storeDir, "store", defaultStoreDir(), "downloads directory to seed partial content from")
	cmd.Flags().DurationVar(&interval, "ping-interval", constants.OwnerTTL/3, "liveness ping interval")
	cmd.Flags().BoolVar(&withdraw, "withdraw-on-exit", true, "withdraw declarations on shutdown")
	return cmd
}

// declareDir indexes a local directory, declares it to the index server
// and returns the chunk service catalog built from it.
func declareDir(ctx context.Context, dir, addr string) (*tree.Declaration, *peer.Service, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, nil, err
	} else if !info.IsDir() {
		return nil, nil, fmt.Errorf("%s is not a directory", abs)
	}

	decl, walkErrs, err := tree.Index(ctx, abs, flagOwner, addr, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to index %s: %w", abs, err)
	}
	for _, werr := range walkErrs {
		fmt.Fprintf(os.Stderr, "skipped %s: %v\n", werr.Path, werr.Err)
	}

	client, err := server.Dial(ctx, flagTransport, flagIndex, flagOwner)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	if err := client.Declare(ctx, decl); err != nil {
		return nil, nil, fmt.Errorf("declaration rejected: %w", err)
	}

	svc := peer.NewService(flagOwner)
	svc.SetRoot(abs, decl)
	return decl, svc, nil
}

// seedPartials shares every checkpointed download with at least one
// fetched chunk, so in-progress content circulates before it completes.
// Unreadable checkpoints are skipped; the peer still serves its root.
func seedPartials(svc *peer.Service, storeDir string) (int, func()) {
	ids, err := chunkstore.List(storeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not seeding downloads: %v\n", err)
		return 0, func() {}
	}

	var stores []*chunkstore.Store
	for _, id := range ids {
		st, err := chunkstore.Open(storeDir, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipped download %s: %v\n", id, err)
			continue
		}
		if len(st.Fetched()) == 0 {
			st.Close()
			continue
		}
		svc.ShareStore(st)
		stores = append(stores, st)
	}
	return len(stores), func() {
		for _, st := range stores {
			st.Close()
		}
	}
}

// keepAlive pings the index, falling back to a full re-declaration when
// the ping no longer refreshes a live record (index restart or expiry).
func keepAlive(ctx context.Context, decl *tree.Declaration) {
	pctx, cancel := context.WithTimeout(ctx, constants.FetchTimeout)
	defer cancel()

	client, err := server.Dial(pctx, flagTransport, flagIndex, flagOwner)
	if err != nil {
		return
	}
	defer client.Close()

	if err := client.Ping(pctx); err != nil {
		return
	}
	refs, err := client.Lookup(pctx, decl.RootHash)
	if err != nil || len(refs) > 0 {
		return
	}
	client.Declare(pctx, decl)
}
