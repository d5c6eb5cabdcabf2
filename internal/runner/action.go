package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/ratchet/internal/generator"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

// Env is what an action sees while it runs. All writes go through Writer.
type Env struct {
	Item     workitem.WorkItem
	Stage    lifecycle.Stage
	Registry integrity.Registry
	Writer   *ratchet.Writer
}

// Action performs the producer work of one stage.
type Action interface {
	Run(ctx context.Context, env Env) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, env Env) error

// Run calls f.
func (f ActionFunc) Run(ctx context.Context, env Env) error {
	return f(ctx, env)
}

// GenerateArtifact asks a generator for the stage's output, feeding it the
// stage inputs, and writes the result through the ratchet.
type GenerateArtifact struct {
	Generator generator.Generator
}

// Run implements Action.
func (g GenerateArtifact) Run(ctx context.Context, env Env) error {
	if g.Generator == nil {
		return fmt.Errorf("runner: %s has no generator", env.Stage.Action)
	}
	output := OutputPath(env.Stage)
	if output == "" {
		return fmt.Errorf("runner: stage %s declares no output path", env.Stage.ID)
	}
	input, err := assembleContext(env)
	if err != nil {
		return err
	}
	body, err := g.Generator.Generate(ctx, env.Stage.Action, input)
	if err != nil {
		return err
	}
	return env.Writer.WriteFile(ctx, output, []byte(body))
}

// OutputPath is the file a producer writes: the stage output, or else its
// first literal required pattern.
func OutputPath(stage lifecycle.Stage) string {
	if stage.Output != "" {
		return stage.Output
	}
	for _, pattern := range stage.Required {
		if !strings.ContainsAny(pattern, "*?[{") {
			return pattern
		}
	}
	return ""
}

func assembleContext(env Env) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", env.Item.Title)
	if atomic := env.Item.AtomicID(); atomic != "" {
		fmt.Fprintf(&b, "Story: %s\n", atomic)
	}
	if criteria := env.Item.Metadata[workitem.MetaCriteria]; criteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria:\n%s\n", criteria)
	}
	seen := map[string]struct{}{}
	var paths []string
	for _, pattern := range env.Stage.Inputs {
		for _, art := range env.Registry.Matching(pattern) {
			if _, ok := seen[art.Path]; ok || !art.Present() {
				continue
			}
			seen[art.Path] = struct{}{}
			paths = append(paths, art.Path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		data, err := env.Writer.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("runner: read input %s: %w", path, err)
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", path, data)
	}
	return b.String(), nil
}
