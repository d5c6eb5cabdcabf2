package lifecycle

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// StageKind distinguishes producer-owned stages from human-owned gates.
type StageKind string

const (
	// KindDraft stages are owned by an automated producer action.
	KindDraft StageKind = "draft"
	// KindGate stages only exit through a human-issued transition.
	KindGate StageKind = "gate"
)

// Requirement names the artifact health a precondition demands.
type Requirement string

const (
	// RequireApproved demands at least one approved, non-stale match.
	RequireApproved Requirement = "approved"
	// RequirePresent demands at least one match on disk.
	RequirePresent Requirement = "present"
)

// Precondition declares an artifact pattern that must be healthy before a
// stage can be entered or its action can run.
type Precondition struct {
	Pattern string      `json:"pattern" yaml:"pattern"`
	State   Requirement `json:"state" yaml:"state"`
}

// FanOut configures child creation when a work item enters the stage.
type FanOut struct {
	Plan       string `json:"plan" yaml:"plan"`
	ChildStage string `json:"child_stage,omitempty" yaml:"child_stage,omitempty"`
}

// Stage is one step of the lifecycle.
type Stage struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     StageKind      `json:"kind" yaml:"kind"`
	Action   string         `json:"action,omitempty" yaml:"action,omitempty"`
	Output   string         `json:"output,omitempty" yaml:"output,omitempty"`
	Inputs   []string       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Required []string       `json:"required,omitempty" yaml:"required,omitempty"`
	Optional []string       `json:"optional,omitempty" yaml:"optional,omitempty"`
	Derived  []string       `json:"derived,omitempty" yaml:"derived,omitempty"`
	Locks    []string       `json:"locks,omitempty" yaml:"locks,omitempty"`
	Requires []Precondition `json:"requires,omitempty" yaml:"requires,omitempty"`
	// RollbackTo lists the earlier stages suggested when leaving this one
	// backward. Any earlier stage is still accepted.
	RollbackTo  []string `json:"rollback_to,omitempty" yaml:"rollback_to,omitempty"`
	Columns     []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	FanOut      *FanOut  `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`
	AutoAdvance bool     `json:"auto_advance,omitempty" yaml:"auto_advance,omitempty"`
	Terminal    bool     `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// IsGate reports whether the stage is human-owned.
func (s Stage) IsGate() bool {
	return s.Kind == KindGate
}

// DisplayName returns the human-facing label for the stage.
func (s Stage) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Patterns returns every artifact pattern the stage declares.
func (s Stage) Patterns() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional)+len(s.Derived)+len(s.Locks))
	out = append(out, s.Required...)
	out = append(out, s.Optional...)
	out = append(out, s.Derived...)
	out = append(out, s.Locks...)
	if s.Output != "" {
		out = append(out, s.Output)
	}
	return dedupe(out)
}

// Clone returns a deep copy of the stage.
func (s Stage) Clone() Stage {
	clone := s
	clone.Inputs = cloneStrings(s.Inputs)
	clone.Required = cloneStrings(s.Required)
	clone.Optional = cloneStrings(s.Optional)
	clone.Derived = cloneStrings(s.Derived)
	clone.Locks = cloneStrings(s.Locks)
	clone.RollbackTo = cloneStrings(s.RollbackTo)
	clone.Columns = cloneStrings(s.Columns)
	if len(s.Requires) > 0 {
		clone.Requires = append([]Precondition(nil), s.Requires...)
	}
	if s.FanOut != nil {
		fan := *s.FanOut
		clone.FanOut = &fan
	}
	return clone
}

func (s Stage) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	switch s.Kind {
	case KindDraft:
		if s.Action == "" && !s.Terminal {
			return fmt.Errorf("draft stage %s requires an action", s.ID)
		}
	case KindGate:
		if s.Action != "" {
			return fmt.Errorf("gate stage %s cannot declare an action", s.ID)
		}
		if s.AutoAdvance {
			return fmt.Errorf("gate stage %s cannot auto advance", s.ID)
		}
	default:
		return fmt.Errorf("stage %s: unknown kind %q", s.ID, s.Kind)
	}
	for _, pattern := range s.Patterns() {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("stage %s: invalid pattern %q", s.ID, pattern)
		}
		if strings.HasPrefix(pattern, "/") || hasDotDot(pattern) {
			return fmt.Errorf("stage %s: pattern %q must be workspace relative", s.ID, pattern)
		}
	}
	for idx, pre := range s.Requires {
		if !doublestar.ValidatePattern(pre.Pattern) {
			return fmt.Errorf("stage %s requires[%d]: invalid pattern %q", s.ID, idx, pre.Pattern)
		}
		if pre.State != RequireApproved && pre.State != RequirePresent {
			return fmt.Errorf("stage %s requires[%d]: unknown state %q", s.ID, idx, pre.State)
		}
	}
	if s.FanOut != nil && strings.TrimSpace(s.FanOut.Plan) == "" {
		return fmt.Errorf("stage %s: fan_out plan is required", s.ID)
	}
	return nil
}

// Definition is the ordered, immutable list of lifecycle stages.
type Definition struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []Stage `json:"stages" yaml:"stages"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{ID: def.ID, Name: def.Name, Description: def.Description}
	if len(def.Stages) > 0 {
		clone.Stages = make([]Stage, len(def.Stages))
		for i, stage := range def.Stages {
			clone.Stages[i] = stage.Clone()
		}
	}
	return clone
}

// Validate ensures the definition is self-consistent.
func (def Definition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("lifecycle: id is required")
	}
	if len(def.Stages) < 2 {
		return fmt.Errorf("lifecycle %s: at least two stages are required", def.ID)
	}
	seen := map[string]int{}
	actions := map[string]string{}
	for idx, stage := range def.Stages {
		if err := stage.validate(); err != nil {
			return fmt.Errorf("lifecycle %s stage[%d]: %w", def.ID, idx, err)
		}
		if _, exists := seen[stage.ID]; exists {
			return fmt.Errorf("lifecycle %s: duplicate stage id %s", def.ID, stage.ID)
		}
		seen[stage.ID] = idx
		if stage.Action != "" {
			if other, exists := actions[stage.Action]; exists {
				return fmt.Errorf("lifecycle %s: action %s used by %s and %s", def.ID, stage.Action, other, stage.ID)
			}
			actions[stage.Action] = stage.ID
		}
		if stage.Terminal && idx != len(def.Stages)-1 {
			return fmt.Errorf("lifecycle %s: terminal stage %s must be last", def.ID, stage.ID)
		}
	}
	for idx, stage := range def.Stages {
		for _, target := range stage.RollbackTo {
			pos, ok := seen[target]
			if !ok {
				return fmt.Errorf("lifecycle %s: stage %s rolls back to unknown stage %s", def.ID, stage.ID, target)
			}
			if pos >= idx {
				return fmt.Errorf("lifecycle %s: stage %s rollback target %s is not earlier", def.ID, stage.ID, target)
			}
		}
		if stage.AutoAdvance {
			if idx == len(def.Stages)-1 {
				return fmt.Errorf("lifecycle %s: last stage %s cannot auto advance", def.ID, stage.ID)
			}
			if def.Stages[idx+1].IsGate() {
				return fmt.Errorf("lifecycle %s: stage %s cannot auto advance into gate %s", def.ID, stage.ID, def.Stages[idx+1].ID)
			}
		}
		if stage.FanOut != nil && stage.FanOut.ChildStage != "" {
			if _, ok := seen[stage.FanOut.ChildStage]; !ok {
				return fmt.Errorf("lifecycle %s: stage %s fans out into unknown stage %s", def.ID, stage.ID, stage.FanOut.ChildStage)
			}
		}
	}
	if !def.Stages[len(def.Stages)-1].Terminal {
		return fmt.Errorf("lifecycle %s: last stage must be terminal", def.ID)
	}
	return nil
}

// Normalized clones the definition, trims identifiers, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	for i := range clone.Stages {
		stage := &clone.Stages[i]
		stage.ID = strings.TrimSpace(stage.ID)
		stage.Action = strings.TrimSpace(stage.Action)
		stage.Kind = StageKind(strings.ToLower(strings.TrimSpace(string(stage.Kind))))
		if stage.Output == "" && stage.Action != "" && len(stage.Required) > 0 && isLiteral(stage.Required[0]) {
			stage.Output = stage.Required[0]
		}
		for j := range stage.Requires {
			if stage.Requires[j].State == "" {
				stage.Requires[j].State = RequireApproved
			}
		}
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// Index returns the position of a stage, or -1 when unknown.
func (def Definition) Index(id string) int {
	for i, stage := range def.Stages {
		if stage.ID == id {
			return i
		}
	}
	return -1
}

// Stage looks up a stage by id.
func (def Definition) Stage(id string) (Stage, bool) {
	idx := def.Index(id)
	if idx < 0 {
		return Stage{}, false
	}
	return def.Stages[idx], true
}

// Next returns the single forward successor of a stage.
func (def Definition) Next(id string) (Stage, bool) {
	idx := def.Index(id)
	if idx < 0 || idx+1 >= len(def.Stages) {
		return Stage{}, false
	}
	return def.Stages[idx+1], true
}

// First returns the entry stage.
func (def Definition) First() Stage {
	if len(def.Stages) == 0 {
		return Stage{}
	}
	return def.Stages[0]
}

// StageForAction finds the draft stage owning an action.
func (def Definition) StageForAction(action string) (Stage, bool) {
	for _, stage := range def.Stages {
		if stage.Action == action {
			return stage, true
		}
	}
	return Stage{}, false
}

// Actions returns every action name in stage order.
func (def Definition) Actions() []string {
	var out []string
	for _, stage := range def.Stages {
		if stage.Action != "" {
			out = append(out, stage.Action)
		}
	}
	return out
}

// Between returns the stages with index in (from, to].
func (def Definition) Between(from, to int) []Stage {
	if from < -1 {
		from = -1
	}
	if to >= len(def.Stages) {
		to = len(def.Stages) - 1
	}
	if to <= from {
		return nil
	}
	out := make([]Stage, 0, to-from)
	for i := from + 1; i <= to; i++ {
		out = append(out, def.Stages[i])
	}
	return out
}

// Patterns returns every artifact pattern declared across the lifecycle.
func (def Definition) Patterns() []string {
	var out []string
	for _, stage := range def.Stages {
		out = append(out, stage.Patterns()...)
		for _, pre := range stage.Requires {
			out = append(out, pre.Pattern)
		}
	}
	return dedupe(out)
}

// Tracks reports whether a workspace-relative path matches any declared pattern.
func (def Definition) Tracks(rel string) bool {
	for _, pattern := range def.Patterns() {
		if Match(pattern, rel) {
			return true
		}
	}
	return false
}

// Match reports whether a slash-separated relative path matches a pattern.
func Match(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}

func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[{")
}

func hasDotDot(pattern string) bool {
	for _, segment := range strings.Split(pattern, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
