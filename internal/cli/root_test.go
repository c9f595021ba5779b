package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/convsync/internal/ai"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "convctl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"draft", "auth", "logout", "send", "open", "list", "watch"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"state", "dsn", "format", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)

	send, _, err := cmd.Find([]string{"send"})
	require.NoError(t, err)
	assert.NotNil(t, send.Flags().Lookup("new"))
	assert.NotNil(t, send.Flags().Lookup("key"))
}

type echoProvider struct{}

func (echoProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return "re: " + messages[len(messages)-1].Content, nil
}

type harness struct {
	t     *testing.T
	state string
	dsn   string
	reg   *ai.Registry
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return echoProvider{}, nil
	})
	return &harness{
		t:     t,
		state: filepath.Join(dir, "state.bolt"),
		dsn:   "sqlite:" + filepath.Join(dir, "convsync.db"),
		reg:   reg,
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	h.t.Setenv("AI_PROVIDER", "ollama")
	cmd := newRootCommand(&RootOptions{registry: h.reg})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--state", h.state, "--dsn", h.dsn))
	err := cmd.Execute()
	return out.String(), err
}

func TestFlow_DraftAuthSendList(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("draft", "design", "a", "logo")
	require.NoError(t, err)
	assert.Contains(t, out, "held draft")

	out, err = h.run("auth", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "[user] design a logo")
	assert.Contains(t, out, "[assistant] re: design a logo")

	// auth again: nothing left to promote
	out, err = h.run("auth", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "design a logo")

	out, err = h.run("send", "make it blue")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5, out)
	assert.Equal(t, "[user] make it blue", lines[3])
	assert.Equal(t, "[assistant] re: make it blue", lines[4])

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "design a logo"), out)

	out, err = h.run("open")
	require.NoError(t, err)
	assert.Contains(t, out, "[assistant] re: make it blue")
}

func TestFlow_RetriedSendWithKeyStoresOneTurn(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("auth", "2")
	require.NoError(t, err)

	_, err = h.run("send", "--new", "hello")
	require.NoError(t, err)
	_, err = h.run("send", "--key", "k1", "again")
	require.NoError(t, err)
	out, err := h.run("send", "--key", "k1", "again")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "[user] again"), out)
}

func TestFlow_FirstSendWithKeyRetried(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("auth", "4")
	require.NoError(t, err)

	_, err = h.run("send", "--key", "k1", "hello")
	require.NoError(t, err)
	out, err := h.run("send", "--key", "k1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "[user] hello"), out)
	assert.Equal(t, 1, strings.Count(out, "[assistant] re: hello"), out)

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1, out)
}

func TestFlow_NewConversationWithKeyRetried(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("auth", "5")
	require.NoError(t, err)

	_, err = h.run("send", "--new", "--key", "k2", "hi")
	require.NoError(t, err)
	out, err := h.run("send", "--new", "--key", "k2", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "[user] hi"), out)

	out, err = h.run("list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1, out)

	// another key is another conversation
	_, err = h.run("send", "--new", "--key", "k3", "hi")
	require.NoError(t, err)
	out, err = h.run("list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2, out)
}

func TestFlow_SignedOut(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("auth", "3")
	require.NoError(t, err)
	_, err = h.run("logout")
	require.NoError(t, err)

	_, err = h.run("send", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed in")

	_, err = h.run("auth", "zero")
	require.Error(t, err)

	_, err = h.run("list", "--format", "yaml")
	require.Error(t, err)
}
