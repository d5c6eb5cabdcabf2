package generator

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	g := Func(func(context.Context, string, string) (string, error) { return "", boom })
	_, err := g.Generate(context.Background(), "architect", "ctx")
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, boom)

	ok := Func(func(_ context.Context, role, input string) (string, error) { return role + ":" + input, nil })
	out, err := ok.Generate(context.Background(), "pm", "plan")
	require.NoError(t, err)
	assert.Equal(t, "pm:plan", out)
}

func TestExecPipesInputAndRole(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	g := Exec{Command: []string{"sh", "-c", `printf '%s|' "$0"; cat`}, Timeout: 5 * time.Second}
	out, err := g.Generate(context.Background(), "architect", "design me")
	require.NoError(t, err)
	assert.Equal(t, "architect|design me", out)
}

func TestExecFailures(t *testing.T) {
	_, err := Exec{}.Generate(context.Background(), "architect", "")
	assert.ErrorIs(t, err, ErrGenerationFailed)

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err = Exec{Command: []string{"sh", "-c", "echo nope >&2; exit 3"}}.Generate(context.Background(), "pm", "")
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Contains(t, err.Error(), "nope")

	_, err = Exec{Command: []string{"sh", "-c", "true"}}.Generate(context.Background(), "pm", "")
	assert.ErrorIs(t, err, ErrGenerationFailed)
}
