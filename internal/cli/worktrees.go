package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmon/internal/worktree"
)

func newWorktreesCmd(g *globals) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "worktrees [dir]",
		Short: "List the isolated working copies of a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			mgr := worktree.NewManager(worktree.Config{Dir: g.cfg.Worktree.Dir, SeedFile: g.cfg.Worktree.SeedFile})
			out := cmd.OutOrStdout()
			if prune {
				if err := mgr.Prune(dir); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, "Pruned stale worktree metadata")
			}

			copies, err := mgr.List(dir)
			if err != nil {
				return err
			}
			if len(copies) == 0 {
				_, _ = fmt.Fprintln(out, "No agent worktrees.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "BRANCH\tHEAD\tPATH")
			for _, c := range copies {
				head := c.Head
				if len(head) > 8 {
					head = head[:8]
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Branch, head, c.Path)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Clean up metadata for worktrees whose directories are gone")
	return cmd
}
