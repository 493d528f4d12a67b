package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/schema"
	"github.com/xiaonanln/goreplica/util/testutil"
)

const testWait = 5 * time.Second

var lampSchema = schema.NewBuilder("Lamp").
	Property("on", codec.Bool, schema.ReadWrite).
	MustBuild()

// syncBuffer is written by a command running in another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runRegistry runs the registry command on an inproc URL until the test ends.
func runRegistry(t *testing.T) string {
	t.Helper()
	url := testutil.InprocURL(t)
	out := &syncBuffer{}

	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"registry", "--host", url, "--allow-external-registration", "--id", "reg"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(testWait):
			t.Error("registry command did not stop")
		}
	})

	testutil.WaitFor(t, testWait, "registry to listen", func() bool {
		return strings.Contains(out.String(), "listening on "+url)
	})
	return url
}

func publishLamp(t *testing.T, registryURL, name string) {
	t.Helper()
	n := node.MustNewNode(t, node.Config{})
	require.NoError(t, n.SetHostURL(testutil.InprocURL(t)))
	require.NoError(t, n.SetRegistryURL(registryURL))
	_, err := n.EnableRemoting(object.NewBase(lampSchema), name)
	require.NoError(t, err)
}

func TestListRegisteredSources(t *testing.T) {
	url := runRegistry(t)
	publishLamp(t, url, "Kitchen")
	publishLamp(t, url, "Attic")

	testutil.WaitFor(t, testWait, "both lamps to register", func() bool {
		entries, err := listEntries(context.Background(), url, testWait)
		if err != nil {
			return false
		}
		names := make(map[string]bool)
		for _, e := range entries {
			names[e.Name] = true
		}
		return names["Kitchen"] && names["Attic"]
	})

	t.Run("json", func(t *testing.T) {
		out := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(out)
		cmd.SetArgs([]string{"list", "--registry", url, "--format", "json"})
		require.NoError(t, cmd.Execute())

		var entries []registry.Entry
		require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
		byName := make(map[string]registry.Entry)
		for _, e := range entries {
			byName[e.Name] = e
		}
		require.Contains(t, byName, "Kitchen")
		assert.Equal(t, "Lamp", byName["Kitchen"].TypeName)
		assert.NotEmpty(t, byName["Kitchen"].HostURL)

		for i := 1; i < len(entries); i++ {
			assert.Less(t, entries[i-1].Name, entries[i].Name, "entries should be sorted by name")
		}
	})

	t.Run("text", func(t *testing.T) {
		out := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(out)
		cmd.SetArgs([]string{"list", "--registry", url})
		require.NoError(t, cmd.Execute())

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.GreaterOrEqual(t, len(lines), 3)
		assert.True(t, strings.HasPrefix(lines[0], "NAME"), "expected header, got %q", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "Attic"), "expected Attic first, got %q", lines[1])
		assert.Contains(t, out.String(), "Lamp")
	})
}

func TestListUnreachableRegistry(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--registry", testutil.InprocURL(t), "--timeout", "200ms"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not answer")
}

func TestListArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing registry", []string{"list"}, "--registry is required"},
		{"bad format", []string{"list", "--registry", "inproc:x", "--format", "xml"}, "invalid format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteEntries(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, writeEntries(out, "text", nil))
	assert.Equal(t, "No sources registered\n", out.String())

	out.Reset()
	require.NoError(t, writeEntries(out, "json", nil))
	assert.JSONEq(t, "[]", out.String())

	out.Reset()
	require.NoError(t, writeEntries(out, "text", []registry.Entry{{Name: "A", TypeName: "Lamp", HostURL: "tcp://h:1"}}))
	assert.Contains(t, out.String(), "A     Lamp  tcp://h:1")
}
