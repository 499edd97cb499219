// Command sharedtree inspects and upgrades summaries, runs a sequencer and
// runs an interactive replica.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/drpcorg/sharedtree"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	logLevel   string
	cfg        *Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sharedtree",
		Short:         "Replicated shared tree tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
				if err = cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "sharedtree.yaml", "config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(a.inspectCmd(), a.upgradeCmd(), a.serveCmd(), a.replCmd())
	return root
}

func (a *app) inspectCmd() *cobra.Command {
	var dumpTree, history bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Load a summary and report what it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, tree, err := a.loadSummary(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			head := tree.Head()
			counts := map[sharedtree.EditStatus]int{}
			for _, se := range tree.History() {
				counts[se.Result.Status]++
			}
			_, _ = fmt.Fprintf(out, "version     %s\n", summary.Version)
			_, _ = fmt.Fprintf(out, "revision    %d\n", tree.Revision())
			_, _ = fmt.Fprintf(out, "baseline    %d\n", summary.BaselineRevision)
			_, _ = fmt.Fprintf(out, "edits       %d (%s %d, %s %d, %s %d)\n", len(summary.Edits),
				statusColor(sharedtree.EditApplied), counts[sharedtree.EditApplied],
				statusColor(sharedtree.EditInvalid), counts[sharedtree.EditInvalid],
				statusColor(sharedtree.EditMalformed), counts[sharedtree.EditMalformed])
			_, _ = fmt.Fprintf(out, "nodes       %d\n", head.Size())
			_, _ = fmt.Fprintf(out, "tombstones  %d\n", len(head.Tombstones()))
			_, _ = fmt.Fprintf(out, "fingerprint %016x\n", head.Fingerprint())
			if history {
				printHistory(out, tree)
			}
			if dumpTree {
				head.Dump(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dumpTree, "tree", "t", false, "dump the tree")
	cmd.Flags().BoolVar(&history, "history", false, "list the edit history")
	return cmd
}

func (a *app) upgradeCmd() *cobra.Command {
	var version string
	var tail int
	cmd := &cobra.Command{
		Use:   "upgrade IN OUT",
		Short: "Rewrite a summary in another format version, - for stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, tree, err := a.loadSummary(args[0])
			if err != nil {
				return err
			}
			if version == "" {
				version = a.cfg.Summary.Version
			}
			summary, err := tree.Summarize(sharedtree.SummaryOptions{Version: version, TailLength: tail})
			if err != nil {
				return err
			}
			raw, err := sharedtree.Serialize(summary)
			if err != nil {
				return err
			}
			if args[1] == "-" {
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}
			if err = os.WriteFile(args[1], raw, 0o644); err != nil {
				return errors.Wrap(err, "write summary")
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %s -> %s %s, revision %d\n",
				args[0], from.Version, args[1], summary.Version, summary.Revision())
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "to", "", "target format version (default from config)")
	cmd.Flags().IntVar(&tail, "tail", 0, "keep only this many edits, 0 keeps all")
	return cmd
}

// loadSummary reads a summary file into a fresh replica, which checks it.
func (a *app) loadSummary(path string) (sharedtree.Summary, *sharedtree.Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sharedtree.Summary{}, nil, errors.Wrap(err, "read summary")
	}
	summary, err := sharedtree.Deserialize(raw)
	if err != nil {
		return sharedtree.Summary{}, nil, err
	}
	log := a.cfg.Logger()
	tree := sharedtree.New(a.cfg.TreeOptions(log))
	if err = tree.LoadSummary(context.Background(), summary); err != nil {
		return sharedtree.Summary{}, nil, err
	}
	return summary, tree, nil
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

func statusColor(s sharedtree.EditStatus) string {
	switch s {
	case sharedtree.EditApplied:
		return green(s.String())
	case sharedtree.EditInvalid:
		return yellow(s.String())
	default:
		return red(s.String())
	}
}

func printHistory(w io.Writer, tree *sharedtree.Tree) {
	history := tree.History()
	first := tree.Revision() - len(history) + 1
	for i, se := range history {
		_, _ = fmt.Fprintf(w, "%6d %s %-9s %d changes", first+i, se.Edit.ID.Short(), statusColor(se.Result.Status), len(se.Edit.Changes))
		if se.Result.Reason != nil {
			_, _ = fmt.Fprintf(w, " (%v)", se.Result.Reason)
		}
		_, _ = fmt.Fprintln(w)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}
