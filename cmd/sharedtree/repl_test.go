package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rootChildren = ids.TraitLocation{Parent: ids.InitialTreeId, Label: "children"}

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

// Take returns what was written since the last call.
func (b *syncBuffer) Take() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}

func newTestREPL(t *testing.T, cfg *Config) (*REPL, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	repl, err := NewREPL(context.Background(), cfg, out)
	require.Nil(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	return repl, out
}

func exec(t *testing.T, repl *REPL, line string) {
	t.Helper()
	require.Nil(t, repl.Execute(context.Background(), line), line)
}

func TestREPL_Local(t *testing.T) {
	repl, out := newTestREPL(t, DefaultConfig())
	ctx := context.Background()

	exec(t, repl, `build node end root.children {"n": 1}`)
	assert.Contains(t, out.Take(), "applied")
	exec(t, repl, `build node start root.children`)
	kids := repl.tree.CurrentView().Children(rootChildren)
	require.Len(t, kids, 2)
	first, second := kids[0], kids[1]
	payload, _ := repl.tree.CurrentView().Payload(second)
	assert.Equal(t, sharedtree.Payload(`{"n":1}`), payload)

	exec(t, repl, "set "+string(first)[:8]+` "hi"`)
	exec(t, repl, "move "+string(first)+" after "+string(second))
	assert.Equal(t, []ids.NodeId{second, first}, repl.tree.CurrentView().Children(rootChildren))
	exec(t, repl, "build leaf end "+string(second)+".items 7")
	exec(t, repl, "delete "+string(second))
	assert.Equal(t, []ids.NodeId{first}, repl.tree.CurrentView().Children(rootChildren))
	assert.Equal(t, 6, repl.tree.Revision())
	assert.Empty(t, repl.tree.Pending())
	out.Take()

	exec(t, repl, "show")
	assert.Contains(t, out.Take(), string(first)+` (node) "hi"`)
	exec(t, repl, "at 1")
	assert.NotContains(t, out.Take(), string(first))
	exec(t, repl, "history")
	assert.Equal(t, 6, strings.Count(out.Take(), "applied"))

	// a node gone from the tree can't anchor anything
	assert.ErrorIs(t, repl.Execute(ctx, "build node before "+string(second)[:8]), ErrNoSuchNode)

	errs := map[string]error{
		"build node":                        HelpBuild,
		"build node beside root":            ErrBadPlace,
		"build node end root":               ErrBadPlace,
		"build node end nobody.children":    ErrNoSuchNode,
		"build node end root.children {bad": nil,
		"delete":                            HelpDelete,
		"move x":                            HelpMove,
		"at soon":                           HelpAt,
		"checkpoint":                        ErrNoStore,
		"load":                              HelpLoad,
	}
	for line, want := range errs {
		err := repl.Execute(ctx, line)
		if want == nil {
			assert.Error(t, err, line)
			continue
		}
		assert.ErrorIs(t, err, want, line)
	}
	assert.Equal(t, io.EOF, repl.Execute(ctx, "exit"))
	require.Nil(t, repl.Execute(ctx, "frobnicate"))
	assert.Contains(t, out.Take(), "command unknown: frobnicate")
}

func TestREPL_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	repl, out := newTestREPL(t, DefaultConfig())
	exec(t, repl, "build node end root.children 1")
	exec(t, repl, "build node end root.children 2")
	file := filepath.Join(dir, "tree.json")
	exec(t, repl, "save "+file+" 0.0.2")
	assert.Contains(t, out.Take(), "0.0.2 at 2")

	other, _ := newTestREPL(t, DefaultConfig())
	exec(t, other, "load "+file)
	assert.True(t, other.tree.Equals(repl.tree))
	assert.Equal(t, 2, other.tree.Revision())
	// ordering goes on from the loaded revision
	exec(t, other, "build node end root.children 3")
	assert.Equal(t, 3, other.tree.Revision())

	exec(t, repl, "load "+golden(sharedtree.SummaryVersion010))
	assert.Equal(t, 2, repl.tree.Revision())
	assert.Equal(t, 3, len(repl.tree.CurrentView().Children(rootChildren)))
}

func TestREPL_Store(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreDir = t.TempDir()

	repl, _ := newTestREPL(t, cfg)
	exec(t, repl, "build node end root.children 1")
	exec(t, repl, "checkpoint")
	exec(t, repl, "build node end root.children 2")
	view := repl.tree.CurrentView()
	require.Nil(t, repl.Close())

	again, _ := newTestREPL(t, cfg)
	assert.Equal(t, 2, again.tree.Revision())
	assert.True(t, again.tree.CurrentView().Equals(view))
	exec(t, again, "build node end root.children 3")
	assert.Equal(t, 3, again.tree.Revision())

	// a summary that does not check out leaves the replica and the store
	summary, err := again.tree.Summarize(sharedtree.SummaryOptions{})
	require.Nil(t, err)
	summary.Checksum++
	raw, err := sharedtree.Serialize(summary)
	require.Nil(t, err)
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.Nil(t, os.WriteFile(bad, raw, 0o644))
	assert.ErrorIs(t, again.Execute(context.Background(), "load "+bad), sharedtree.ErrCorruptSummary)
	assert.Equal(t, 3, again.tree.Revision())
	require.Nil(t, again.Close())
	again, _ = newTestREPL(t, cfg)
	assert.Equal(t, 3, again.tree.Revision())

	exec(t, again, "load "+golden(sharedtree.SummaryVersion002))
	require.Nil(t, again.Close())
	third, _ := newTestREPL(t, cfg)
	assert.Equal(t, 2, third.tree.Revision())
	assert.Equal(t, 3, len(third.tree.CurrentView().Children(rootChildren)))
}

func TestREPL_Schema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.Nil(t, os.WriteFile(path, []byte(`
strict: true
definitions:
  node: {traits: [children]}
  text: {payload: string, traits: []}
`), 0o644))
	cfg := DefaultConfig()
	cfg.Schema = path
	repl, out := newTestREPL(t, cfg)

	exec(t, repl, `build text end root.children "hello"`)
	assert.Contains(t, out.Take(), "applied")
	exec(t, repl, `build text end root.children 5`)
	assert.Contains(t, out.Take(), "invalid")
	exec(t, repl, `build blob end root.children`)
	assert.Contains(t, out.Take(), "invalid")
	assert.Len(t, repl.tree.CurrentView().Children(rootChildren), 1)

	exec(t, repl, "schema")
	assert.Contains(t, out.Take(), "text payload=string")
}

func TestREPL_Remote(t *testing.T) {
	cfg := DefaultConfig()
	log := cfg.Logger()
	srv := NewServer(log, cfg.NetOptions(log))
	require.Nil(t, srv.Net.Listen("tcp://127.0.0.1:0"))
	defer srv.Net.Close()

	cfg.Network.Connect = srv.Net.ListenAddr("tcp://127.0.0.1:0").String()
	alice, _ := newTestREPL(t, cfg)
	bobCfg := *cfg
	bobCfg.Name = "bob"
	bob, _ := newTestREPL(t, &bobCfg)
	connected := func() bool {
		return len(alice.net.Peers()) == 1 && len(bob.net.Peers()) == 1 && len(srv.Net.Peers()) == 2
	}
	require.Eventually(t, connected, 5*time.Second, 10*time.Millisecond)

	exec(t, alice, `build node end root.children "a"`)
	exec(t, bob, `build node start root.children "b"`)
	synced := func() bool {
		return alice.tree.Revision() == 2 && bob.tree.Revision() == 2
	}
	require.Eventually(t, synced, 5*time.Second, 10*time.Millisecond)
	assert.True(t, alice.tree.Equals(bob.tree))
	assert.Empty(t, alice.tree.Pending())
	assert.Equal(t, uint64(2), srv.Service.Position())

	assert.ErrorIs(t, alice.Execute(context.Background(), "load x.json"), ErrRemoteLoaded)
}
