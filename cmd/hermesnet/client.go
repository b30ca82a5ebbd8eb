package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cutipus/HermesNet/internal/search"
	"github.com/Cutipus/HermesNet/internal/server"
	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// withIndex dials the index server, runs fn, and closes the session.
func withIndex(ctx context.Context, fn func(ctx context.Context, c *server.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, constants.FetchTimeout)
	defer cancel()
	client, err := server.Dial(ctx, flagTransport, flagIndex, flagOwner)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func newDeclareCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "declare <dir>",
		Short: "Index a directory and declare it without serving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decl, walkErrs, err := tree.Index(cmd.Context(), args[0], flagOwner, addr, nil)
			if err != nil {
				return err
			}
			for _, werr := range walkErrs {
				fmt.Printf("skipped %s: %v\n", werr.Path, werr.Err)
			}
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				if err := c.Declare(ctx, decl); err != nil {
					return err
				}
				fmt.Printf("declared %s as %s (%d files, %s)\n",
					args[0], decl.RootHash, decl.Root.FileCount(), formatSize(decl.Root.TotalSize()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr",
		fmt.Sprintf("localhost:%d", constants.DefaultPeerPort), "chunk service address to advertise")
	return cmd
}

func newWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw every declaration made under this owner name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				if err := c.Withdraw(ctx); err != nil {
					return err
				}
				fmt.Printf("withdrew declarations of %s\n", flagOwner)
				return nil
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the index server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				fmt.Printf("pong from %s (%s)\n", flagIndex, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Search the index by name, extension, folder or hash",
		Long: `Search the index. The query is classified from its shape:

  hn:...          exact hash
  ext:mp3, .mp3   file extension
  folder:name, name/   folder name
  anything else   filename substring`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := search.Classify(args[0])
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				results, err := c.Search(ctx, string(q.Kind), q.Term)
				if err != nil {
					return err
				}
				printSearchResults(results)
				return nil
			})
		},
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <hash>",
		Short: "List every owner and context referencing an exact hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := hash.Parse(args[0])
			if err != nil {
				return err
			}
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				refs, err := c.Lookup(ctx, target)
				if err != nil {
					return err
				}
				if len(refs) == 0 {
					fmt.Println("no references")
					return nil
				}
				for _, ref := range refs {
					fmt.Printf("%s\t%s\t%s\tin %s\n", ref.Owner, ref.Addr, ref.Name, ref.Context)
				}
				return nil
			})
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Show every declared tree from every owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				results, err := c.All(ctx)
				if err != nil {
					return err
				}
				owners := make([]string, 0, len(results.Trees))
				for owner := range results.Trees {
					owners = append(owners, owner)
				}
				sort.Strings(owners)
				for _, owner := range owners {
					fmt.Printf("%s (%s):\n", owner, results.Addrs[owner])
					for _, root := range results.Trees[owner] {
						printTree(root, "  ")
					}
				}
				return nil
			})
		},
	}
}

func printSearchResults(results *wire.SearchResultsBody) {
	if len(results.Files) == 0 && len(results.Folders) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, f := range results.Files {
		name := ""
		if len(f.Candidates) > 0 {
			name = f.Candidates[0].DisplayName
		}
		fmt.Printf("file  %s  %s  %s\n", f.Hash, name, formatSize(f.Size))
		for _, c := range f.Candidates {
			fmt.Printf("      context %s  replicas %d  as %q\n", c.Context, c.Replicas, c.DisplayName)
		}
		for _, sib := range f.Siblings {
			marker := ""
			if sib.IsDir {
				marker = "/"
			}
			fmt.Printf("      alongside %s%s (%s)\n", sib.Name, marker, formatSize(sib.Size))
		}
	}
	for _, d := range results.Folders {
		fmt.Printf("folder  %s  %s  %d owners\n", d.TreeHash, d.Subtree.Name, len(d.Owners))
		printTree(d.Subtree, "      ")
	}
}

func printTree(d *tree.Dir, indent string) {
	fmt.Printf("%s%s/  (%s)\n", indent, d.Name, d.Hash())
	for _, f := range d.Files {
		fmt.Printf("%s  %s  %s  %s\n", indent, f.Name, formatSize(f.Size), f.Hash)
	}
	for _, sub := range d.Dirs {
		printTree(sub, indent+"  ")
	}
}

func formatSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
