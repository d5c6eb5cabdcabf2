// Package generator is the seam to the external content producer that drafts
// artifacts for automated actions.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrGenerationFailed wraps every failure of a generator.
var ErrGenerationFailed = errors.New("generation failed")

// Generator produces artifact content for a role given a context document.
type Generator interface {
	Generate(ctx context.Context, role, input string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, role, input string) (string, error)

// Generate calls f, wrapping any error in ErrGenerationFailed.
func (f Func) Generate(ctx context.Context, role, input string) (string, error) {
	out, err := f(ctx, role, input)
	if err != nil {
		return "", wrap(role, err)
	}
	return out, nil
}

// Exec runs an external command per generation. The role is appended as the
// final argument, the input is written to stdin, and stdout is the content.
type Exec struct {
	Command []string
	Timeout time.Duration
	Env     []string
}

// Generate runs the command.
func (e Exec) Generate(ctx context.Context, role, input string) (string, error) {
	if len(e.Command) == 0 || strings.TrimSpace(e.Command[0]) == "" {
		return "", wrap(role, errors.New("no command configured"))
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	args := append(append([]string(nil), e.Command[1:]...), role)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Stdin = strings.NewReader(input)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", wrap(role, err)
	}
	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "", wrap(role, errors.New("empty output"))
	}
	return out, nil
}

func wrap(role string, err error) error {
	if errors.Is(err, ErrGenerationFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrGenerationFailed, role, err)
}
