package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cutipus/HermesNet/internal/chunkstore"
	"github.com/Cutipus/HermesNet/internal/peer"
	"github.com/Cutipus/HermesNet/internal/server"
	"github.com/Cutipus/HermesNet/internal/transfer"
	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// transferFlags are shared by get and resume.
type transferFlags struct {
	out      string
	storeDir string
	rate     int
	global   int
	slots    int
	fetchers int
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.out, "out", ".", "output directory")
	cmd.Flags().StringVar(&f.storeDir, "store", defaultStoreDir(), "directory for in-progress downloads")
	cmd.Flags().IntVar(&f.rate, "rate", 0, "per-transfer rate cap in bytes/sec, 0 for unlimited")
	cmd.Flags().IntVar(&f.global, "global-rate", 0, "aggregate rate cap in bytes/sec, 0 for unlimited")
	cmd.Flags().IntVar(&f.slots, "slots", 0, "max simultaneous downloads, 0 for the default")
	cmd.Flags().IntVar(&f.fetchers, "fetchers", 0, "concurrent chunk fetches per download, 0 for the default")
}

func (f *transferFlags) coordinator() *transfer.Coordinator {
	cfg := transfer.DefaultConfig(f.storeDir)
	cfg.DestDir = f.out
	cfg.TransferRate = f.rate
	cfg.GlobalRate = f.global
	if f.slots > 0 {
		cfg.Slots = f.slots
	}
	if f.fetchers > 0 {
		cfg.Fetchers = f.fetchers
	}
	dialer := &peer.Dialer{From: flagOwner, Transport: flagTransport}
	return transfer.New(dialer, cfg)
}

func defaultStoreDir() string {
	if cache, err := os.UserCacheDir(); err == nil {
		return path.Join(cache, "hermesnet")
	}
	return ".hermesnet"
}

func newGetCmd() *cobra.Command {
	var flags transferFlags
	var contextHash string
	var match string
	cmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Download a file or a whole folder by hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			target, err := hash.Parse(args[0])
			if err != nil {
				return err
			}

			var reqs []transfer.Request
			err = withIndex(ctx, func(ictx context.Context, c *server.Client) error {
				reqs, err = buildRequests(ictx, c, target, contextHash, match)
				return err
			})
			if err != nil {
				return err
			}

			coord := flags.coordinator()
			defer coord.Close()
			return runTransfers(ctx, coord, reqs)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&contextHash, "context", "",
		"containing TreeHash to download the file under (default: top consensus candidate)")
	cmd.Flags().StringVar(&match, "match", "",
		"for folder downloads, fetch only files whose name contains this")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags transferFlags
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a checkpointed download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			id := args[0]

			// Peek at the checkpoint for the target, then ask the index for
			// a fresh peer list.
			st, err := chunkstore.Open(flags.storeDir, id)
			if err != nil {
				return err
			}
			target := st.Target()
			st.Close()

			var peers []transfer.Peer
			err = withIndex(ctx, func(ictx context.Context, c *server.Client) error {
				refs, err := c.Lookup(ictx, target)
				if err != nil {
					return err
				}
				peers = peersFromRefs(refs)
				return nil
			})
			if err != nil {
				return err
			}

			coord := flags.coordinator()
			defer coord.Close()
			if err := coord.Resume(id, peers); err != nil {
				return err
			}
			return monitor(ctx, coord, []string{id})
		},
	}
	flags.register(cmd)
	return cmd
}

func newCancelCmd() *cobra.Command {
	var storeDir string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Discard a checkpointed download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := chunkstore.Remove(storeDir, args[0]); err != nil {
				return err
			}
			fmt.Printf("discarded %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", defaultStoreDir(), "directory for in-progress downloads")
	return cmd
}

// buildRequests resolves a hash into transfer requests: one for a file
// match, one per file for a folder match.
func buildRequests(ctx context.Context, c *server.Client, target hash.Digest, contextHash, match string) ([]transfer.Request, error) {
	results, err := c.Search(ctx, "hash", target.String())
	if err != nil {
		return nil, err
	}

	if len(results.Folders) > 0 {
		return folderRequests(ctx, c, &results.Folders[0], match)
	}
	if len(results.Files) == 0 {
		return nil, fmt.Errorf("nothing indexed under %s", target)
	}
	f := &results.Files[0]
	if len(f.Chunks) == 0 {
		return nil, fmt.Errorf("%s has no declared chunk table", target)
	}

	chosen, relPath, err := chooseContext(f, contextHash)
	if err != nil {
		return nil, err
	}
	refs, err := c.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	return []transfer.Request{{
		Target:  target,
		Context: chosen,
		RelPath: relPath,
		Chunks:  f.Chunks,
		Peers:   peersFromRefs(refs),
	}}, nil
}

// chooseContext picks the tree context to download under: an explicit
// --context when given, otherwise the top-ranked consensus candidate.
func chooseContext(f *wire.FileResult, contextHash string) (hash.Digest, string, error) {
	if contextHash != "" {
		want, err := hash.Parse(contextHash)
		if err != nil {
			return hash.Digest{}, "", err
		}
		for _, cand := range f.Candidates {
			if cand.Context.Equal(want) {
				return cand.Context, cand.DisplayName, nil
			}
		}
		return hash.Digest{}, "", fmt.Errorf("no candidate with context %s", want)
	}
	if len(f.Candidates) == 0 {
		return hash.Digest{}, "", fmt.Errorf("no candidates for %s", f.Hash)
	}
	top := f.Candidates[0]
	return top.Context, top.DisplayName, nil
}

// folderRequests expands a folder match into one request per file,
// preserving the declared hierarchy in the relative paths. Every owner
// of the folder serves every file in it. A non-empty match narrows the
// download to files whose folded name contains it.
func folderRequests(ctx context.Context, c *server.Client, folder *wire.FolderResult, match string) ([]transfer.Request, error) {
	refs, err := c.Lookup(ctx, folder.TreeHash)
	if err != nil {
		return nil, err
	}
	peers := peersFromRefs(refs)
	if len(peers) == 0 {
		return nil, fmt.Errorf("no owners for folder %s", folder.TreeHash)
	}

	// The pruned copy loses the declared directory hashes, so record the
	// context of every path in the full tree first.
	contexts := map[string]hash.Digest{folder.Subtree.Name: folder.TreeHash}
	var record func(d *tree.Dir, prefix string)
	record = func(d *tree.Dir, prefix string) {
		for _, sub := range d.Dirs {
			p := path.Join(prefix, sub.Name)
			contexts[p] = sub.Hash()
			record(sub, p)
		}
	}
	record(folder.Subtree, folder.Subtree.Name)

	sub := folder.Subtree
	if match != "" {
		folded := treestore.Fold(match)
		sub = sub.Prune(func(name string) bool {
			return strings.Contains(treestore.Fold(name), folded)
		})
		if sub == nil {
			return nil, fmt.Errorf("no files matching %q in folder %s", match, folder.TreeHash)
		}
	}

	var reqs []transfer.Request
	var walk func(d *tree.Dir, prefix string)
	walk = func(d *tree.Dir, prefix string) {
		for _, f := range d.Files {
			reqs = append(reqs, transfer.Request{
				Target:  f.Hash,
				Context: contexts[prefix],
				RelPath: path.Join(prefix, f.Name),
				Chunks:  f.Chunks,
				Peers:   peers,
			})
		}
		for _, s := range d.Dirs {
			walk(s, path.Join(prefix, s.Name))
		}
	}
	walk(sub, sub.Name)
	return reqs, nil
}

func peersFromRefs(refs []wire.RefResult) []transfer.Peer {
	seen := make(map[string]bool)
	var peers []transfer.Peer
	for _, ref := range refs {
		if ref.Addr == "" || seen[ref.Owner] {
			continue
		}
		seen[ref.Owner] = true
		peers = append(peers, transfer.Peer{Owner: ref.Owner, Addr: ref.Addr})
	}
	return peers
}

// runTransfers starts every request and monitors them to completion.
func runTransfers(ctx context.Context, coord *transfer.Coordinator, reqs []transfer.Request) error {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := coord.Start(req)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	return monitor(ctx, coord, ids)
}

// monitor prints progress until every transfer is terminal. Cancellation
// keeps checkpoints so the downloads can be resumed.
func monitor(ctx context.Context, coord *transfer.Coordinator, ids []string) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			coord.Wait(id)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			printProgress(coord, ids)
		case <-ctx.Done():
			for _, id := range ids {
				coord.Cancel(id, false)
			}
			<-done
			fmt.Println("\ninterrupted; checkpoints kept, resume with: hermesnet resume <id>")
			return ctx.Err()
		case <-done:
			return report(coord, ids)
		}
	}
}

func printProgress(coord *transfer.Coordinator, ids []string) {
	for _, id := range ids {
		p, err := coord.Progress(id)
		if err != nil {
			continue
		}
		if p.State == transfer.StateDownloading {
			fmt.Printf("%s  %s  %s / %s  %s/s\n",
				id, p.State, formatSize(p.BytesDone), formatSize(p.BytesTotal), formatSize(uint64(p.Rate)))
		}
	}
}

// report prints the terminal state of every transfer and returns an
// error if any failed.
func report(coord *transfer.Coordinator, ids []string) error {
	var failed int
	for _, id := range ids {
		p, err := coord.Progress(id)
		if err != nil {
			continue
		}
		switch p.State {
		case transfer.StateComplete:
			fmt.Printf("%s  complete  %s\n", id, p.Path)
		default:
			failed++
			fmt.Printf("%s  %s  %v\n", id, p.State, p.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not complete", failed, len(ids))
	}
	return nil
}
