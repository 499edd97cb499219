package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/network"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/schema"
	"github.com/drpcorg/sharedtree/sequencer"
	"github.com/drpcorg/sharedtree/store"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/ergochat/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func (a *app) replCmd() *cobra.Command {
	var connect, storeDir string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Edit a replica interactively, against a local or a remote sequencer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if connect != "" {
				a.cfg.Network.Connect = connect
			}
			if storeDir != "" {
				a.cfg.StoreDir = storeDir
			}
			repl, err := NewREPL(cmd.Context(), a.cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer repl.Close()
			if err = repl.Open(); err != nil {
				return err
			}
			return repl.Loop(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&connect, "connect", "", "sequencer address; empty runs a local one")
	cmd.Flags().StringVar(&storeDir, "store", "", "store directory (overrides store_dir)")
	return cmd
}

// REPL per se.
type REPL struct {
	cfg     *Config
	log     utils.Logger
	out     io.Writer
	opts    sharedtree.Options
	tree    *sharedtree.Tree
	store   *store.Store
	catalog *schema.Catalog

	// local ordering
	service *sequencer.Service
	client  *sequencer.Client
	// remote ordering
	net *network.Net

	rl          *readline.Instance
	unsubscribe func()
}

var (
	ErrBadPlace     = errors.New("place is before|after NODE or start|end NODE.label")
	ErrNoSuchNode   = errors.New("no such node")
	ErrAmbiguous    = errors.New("ambiguous node prefix")
	ErrNoStore      = errors.New("no store, set store_dir")
	ErrRemoteLoaded = errors.New("the sequencer owns the order, load summaries locally")
)

var (
	HelpBuild  = errors.New("build DEFINITION PLACE [PAYLOAD]")
	HelpDelete = errors.New("delete NODE [LAST]")
	HelpMove   = errors.New("move NODE PLACE")
	HelpSet    = errors.New("set NODE [PAYLOAD]")
	HelpAt     = errors.New("at REVISION")
	HelpSave   = errors.New("save FILE [VERSION]")
	HelpLoad   = errors.New("load FILE")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("show"),
	readline.PcItem("build"),
	readline.PcItem("delete"),
	readline.PcItem("move"),
	readline.PcItem("set"),

	readline.PcItem("pending"),
	readline.PcItem("rollback"),
	readline.PcItem("history"),
	readline.PcItem("at"),

	readline.PcItem("save"),
	readline.PcItem("load"),
	readline.PcItem("checkpoint"),
	readline.PcItem("schema"),
	readline.PcItem("peers"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// NewREPL makes the replica: restored from the store if there is one,
// validated by the schema if there is one, ordered remotely if the config
// names a sequencer.
func NewREPL(ctx context.Context, cfg *Config, out io.Writer) (repl *REPL, err error) {
	log := cfg.Logger()
	repl = &REPL{cfg: cfg, log: log, out: out}
	defer func() {
		if err != nil {
			_ = repl.Close()
			repl = nil
		}
	}()

	opts := cfg.TreeOptions(log)
	if cfg.Schema != "" {
		if repl.catalog, err = loadCatalog(cfg.Schema); err != nil {
			return
		}
		opts.Validator = repl.catalog
	}
	repl.opts = opts
	if cfg.StoreDir != "" {
		repl.store, err = store.Open(cfg.StoreDir, store.Options{
			Logger:        log,
			KeepSummaries: cfg.Summary.KeepStored,
		})
		if err != nil {
			return
		}
		if repl.tree, err = sharedtree.Bootstrap(ctx, repl.store, opts); err != nil {
			return
		}
	} else {
		repl.tree = sharedtree.New(opts)
	}
	repl.unsubscribe = repl.tree.Subscribe(repl.report)

	if cfg.Network.Connect != "" {
		repl.net = network.New(cfg.NetOptions(log), repl.install, repl.destroy)
		err = repl.net.Connect(cfg.Network.Connect)
		return
	}
	err = repl.orderLocally()
	return
}

func loadCatalog(path string) (*schema.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open schema")
	}
	defer f.Close()
	return schema.Load(f)
}

// orderLocally (re)starts an in-process sequencer picking up at the
// replica's revision.
func (repl *REPL) orderLocally() error {
	if repl.client != nil {
		_ = repl.client.Close()
	}
	repl.service = sequencer.New(sequencer.Options{Logger: repl.log})
	if err := repl.service.Restore(uint64(repl.tree.Revision()), nil); err != nil {
		return err
	}
	client, err := repl.service.Connect(repl.cfg.Name, repl.tree, uint64(repl.tree.Revision())+1)
	if err != nil {
		return err
	}
	repl.client = client
	repl.tree.Attach(client)
	return nil
}

func (repl *REPL) install(name string) protocol.FeedDrainCloser {
	up := sequencer.NewUplink(uint64(repl.tree.Revision())+1, repl.tree, repl.cfg.Network.QueueLimit)
	repl.tree.Attach(up.Outbound())
	_, _ = fmt.Fprintf(repl.out, "connected %s\n", name)
	return up
}

func (repl *REPL) destroy(name string, err error) {
	repl.tree.Attach(nil)
	if err != nil {
		_, _ = fmt.Fprintf(repl.out, "%s: %v\n", red("disconnected "+name), err)
	}
	if n := len(repl.tree.Pending()); n > 0 {
		_, _ = fmt.Fprintf(repl.out, "%d local edits left pending, rollback drops them\n", n)
	}
}

// report prints verdicts as the order decides them.
func (repl *REPL) report(_ context.Context, ev sharedtree.Event) {
	switch ev.Kind {
	case sharedtree.EventSequenced:
		_, _ = fmt.Fprintf(repl.out, "%d %s %s", ev.Revision, ev.Edit.Short(), statusColor(ev.Result.Status))
		if ev.Result.Reason != nil {
			_, _ = fmt.Fprintf(repl.out, " (%v)", ev.Result.Reason)
		}
		_, _ = fmt.Fprintln(repl.out)
	case sharedtree.EventReset:
		_, _ = fmt.Fprintf(repl.out, "reset at %d\n", ev.Revision)
	}
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".sharedtree_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	if repl.unsubscribe != nil {
		repl.unsubscribe()
		repl.unsubscribe = nil
	}
	if repl.net != nil {
		_ = repl.net.Close()
		repl.net = nil
	}
	if repl.client != nil {
		_ = repl.client.Close()
		repl.client = nil
	}
	if repl.store != nil {
		_ = repl.store.Close()
		repl.store = nil
	}
	return nil
}

func (repl *REPL) Loop(ctx context.Context) error {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}
		err = repl.Execute(ctx, line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintln(repl.out, red(err.Error()))
		}
	}
}

// Execute runs one command line. exit and quit return io.EOF.
func (repl *REPL) Execute(ctx context.Context, line string) (err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "help":
		repl.help()
	// ----- editing -----
	case "show", "ls":
		repl.tree.CurrentView().Dump(repl.out)
	case "build":
		err = repl.CommandBuild(ctx, args)
	case "delete", "rm":
		err = repl.CommandDelete(ctx, args)
	case "move", "mv":
		err = repl.CommandMove(ctx, args)
	case "set":
		err = repl.CommandSet(ctx, args)
	// ----- local edits -----
	case "pending":
		for _, edit := range repl.tree.Pending() {
			_, _ = fmt.Fprintf(repl.out, "%s %d changes, baseline %d\n", edit.ID.Short(), len(edit.Changes), edit.Baseline)
		}
	case "rollback":
		err = repl.tree.RollbackLocal(ctx)
	// ----- history -----
	case "history":
		printHistory(repl.out, repl.tree)
	case "at":
		err = repl.CommandAt(args)
	// ----- summaries -----
	case "save":
		err = repl.CommandSave(args)
	case "load":
		err = repl.CommandLoad(ctx, args)
	case "checkpoint":
		if repl.store == nil {
			return ErrNoStore
		}
		if err = repl.tree.Checkpoint(); err == nil {
			_, _ = fmt.Fprintf(repl.out, "checkpoint at %d\n", repl.tree.Revision())
		}
	case "schema":
		if repl.catalog == nil {
			_, _ = fmt.Fprintln(repl.out, "no schema")
		} else {
			_, _ = fmt.Fprint(repl.out, repl.catalog.String())
		}
	case "peers":
		if repl.net == nil {
			_, _ = fmt.Fprintln(repl.out, "local sequencer")
		} else {
			for _, name := range repl.net.Peers() {
				_, _ = fmt.Fprintln(repl.out, name)
			}
		}
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(repl.out, "command unknown: %s\n", cmd)
	}
	return
}

func (repl *REPL) help() {
	for _, h := range []error{HelpBuild, HelpDelete, HelpMove, HelpSet, HelpAt, HelpSave, HelpLoad} {
		_, _ = fmt.Fprintln(repl.out, h.Error())
	}
	_, _ = fmt.Fprintln(repl.out, "show | pending | rollback | history | checkpoint | schema | peers | exit")
	_, _ = fmt.Fprintln(repl.out, ErrBadPlace.Error()+"; NODE is an id, a unique id prefix or root")
}

// submit hands the edit to the replica; a local sequencer orders it at once.
func (repl *REPL) submit(ctx context.Context, edit sharedtree.Edit) error {
	id, err := repl.tree.ProcessLocalEdit(ctx, edit)
	if err != nil {
		return err
	}
	if repl.service != nil {
		return repl.service.ProcessAllMessages(ctx)
	}
	_, _ = fmt.Fprintf(repl.out, "%s pending\n", id.Short())
	return nil
}

func (repl *REPL) CommandBuild(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return HelpBuild
	}
	view := repl.tree.CurrentView()
	place, used, err := parsePlace(view, args[1:])
	if err != nil {
		return err
	}
	payload, err := parsePayload(args[1+used:])
	if err != nil {
		return err
	}
	id := ids.NewNodeId()
	edit := sharedtree.NewEdit(
		sharedtree.Build(0, sharedtree.Leaf(id, ids.Definition(args[0]), payload)),
		sharedtree.Insert(0, place),
	)
	if err = repl.submit(ctx, edit); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.out, "built %s\n", id)
	return nil
}

func (repl *REPL) CommandDelete(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpDelete
	}
	view := repl.tree.CurrentView()
	first, err := resolveNode(view, args[0])
	if err != nil {
		return err
	}
	rng := sharedtree.RangeOf(first)
	if len(args) == 2 {
		last, err := resolveNode(view, args[1])
		if err != nil {
			return err
		}
		rng = sharedtree.RangeOver(first, last)
	}
	return repl.submit(ctx, sharedtree.NewEdit(sharedtree.Delete(rng)))
}

func (repl *REPL) CommandMove(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return HelpMove
	}
	view := repl.tree.CurrentView()
	node, err := resolveNode(view, args[0])
	if err != nil {
		return err
	}
	place, _, err := parsePlace(view, args[1:])
	if err != nil {
		return err
	}
	return repl.submit(ctx, sharedtree.NewEdit(sharedtree.Move(sharedtree.RangeOf(node), place, 0)...))
}

func (repl *REPL) CommandSet(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpSet
	}
	node, err := resolveNode(repl.tree.CurrentView(), args[0])
	if err != nil {
		return err
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	return repl.submit(ctx, sharedtree.NewEdit(sharedtree.SetValue(node, payload)))
}

func (repl *REPL) CommandAt(args []string) error {
	if len(args) != 1 {
		return HelpAt
	}
	rev, err := strconv.Atoi(args[0])
	if err != nil {
		return HelpAt
	}
	snap, err := repl.tree.SnapshotAt(rev)
	if err != nil {
		return err
	}
	snap.Dump(repl.out)
	return nil
}

func (repl *REPL) CommandSave(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpSave
	}
	opts := sharedtree.SummaryOptions{}
	if len(args) == 2 {
		opts.Version = args[1]
	}
	summary, err := repl.tree.Summarize(opts)
	if err != nil {
		return err
	}
	raw, err := sharedtree.Serialize(summary)
	if err != nil {
		return err
	}
	if err = os.WriteFile(args[0], raw, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(repl.out, "saved %s %s at %d\n", args[0], summary.Version, summary.Revision())
	return nil
}

func (repl *REPL) CommandLoad(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpLoad
	}
	if repl.net != nil {
		return ErrRemoteLoaded
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	summary, err := sharedtree.Deserialize(raw)
	if err != nil {
		return err
	}
	if n := len(repl.tree.Pending()); n > 0 {
		return errors.Wrapf(sharedtree.ErrLocalEditsPending, "%d edits, rollback first", n)
	}
	// a scratch replica checks the summary before the store adopts it
	scratch := sharedtree.New(repl.opts)
	if err = scratch.LoadSummary(ctx, summary); err != nil {
		return err
	}
	if repl.store != nil {
		checked, err := scratch.Summarize(sharedtree.SummaryOptions{})
		if err != nil {
			return err
		}
		if raw, err = sharedtree.Serialize(checked); err != nil {
			return err
		}
		if err = repl.store.Replace(uint64(checked.Revision()), raw); err != nil {
			return err
		}
	}
	if err = repl.tree.LoadSummary(ctx, summary); err != nil {
		if repl.store != nil {
			return errors.Wrapf(err, "store switched to %s, replica did not, restart to catch up", args[0])
		}
		return err
	}
	return repl.orderLocally()
}

// parsePlace reads a place off args and says how many it took.
func parsePlace(view *sharedtree.Snapshot, args []string) (sharedtree.StablePlace, int, error) {
	if len(args) < 2 {
		return sharedtree.StablePlace{}, 0, ErrBadPlace
	}
	switch args[0] {
	case "before", "after":
		node, err := resolveNode(view, args[1])
		if err != nil {
			return sharedtree.StablePlace{}, 0, err
		}
		if args[0] == "before" {
			return sharedtree.BeforeNode(node), 2, nil
		}
		return sharedtree.AfterNode(node), 2, nil
	case "start", "end":
		ref, label, ok := strings.Cut(args[1], ".")
		if !ok || label == "" {
			return sharedtree.StablePlace{}, 0, ErrBadPlace
		}
		parent, err := resolveNode(view, ref)
		if err != nil {
			return sharedtree.StablePlace{}, 0, err
		}
		trait := ids.TraitLocation{Parent: parent, Label: ids.TraitLabel(label)}
		if args[0] == "start" {
			return sharedtree.AtStartOf(trait), 2, nil
		}
		return sharedtree.AtEndOf(trait), 2, nil
	}
	return sharedtree.StablePlace{}, 0, ErrBadPlace
}

func parsePayload(args []string) (sharedtree.Payload, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var payload sharedtree.Payload
	if err := payload.UnmarshalJSON([]byte(strings.Join(args, " "))); err != nil {
		return nil, errors.Wrap(err, "payload")
	}
	return payload, nil
}

// resolveNode accepts a full id, root, or a prefix matching one node.
func resolveNode(view *sharedtree.Snapshot, ref string) (ids.NodeId, error) {
	if ref == "root" {
		return view.Root(), nil
	}
	if view.Has(ids.NodeId(ref)) {
		return ids.NodeId(ref), nil
	}
	var found []ids.NodeId
	var walk func(id ids.NodeId)
	walk = func(id ids.NodeId) {
		if strings.HasPrefix(string(id), ref) {
			found = append(found, id)
		}
		for _, label := range view.Traits(id) {
			for _, kid := range view.Children(ids.TraitLocation{Parent: id, Label: label}) {
				walk(kid)
			}
		}
	}
	walk(view.Root())
	switch len(found) {
	case 0:
		return "", errors.Wrap(ErrNoSuchNode, ref)
	case 1:
		return found[0], nil
	}
	return "", errors.Wrap(ErrAmbiguous, ref)
}
