package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Story is one planned child.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Plan is the fan-out plan stored in prd.json.
type Plan struct {
	Stories []Story `json:"stories"`
}

// ParsePlan decodes and validates a plan document.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("fanout: decode plan: %w", err)
	}
	for i := range plan.Stories {
		plan.Stories[i].ID = strings.TrimSpace(plan.Stories[i].ID)
		plan.Stories[i].Title = strings.TrimSpace(plan.Stories[i].Title)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("fanout: read plan: %w", err)
	}
	return ParsePlan(data)
}

// Validate rejects plans with no stories or missing or duplicate atomic ids.
func (p Plan) Validate() error {
	if len(p.Stories) == 0 {
		return errors.New("fanout: plan has no stories")
	}
	seen := make(map[string]struct{}, len(p.Stories))
	for i, story := range p.Stories {
		if story.ID == "" {
			return fmt.Errorf("fanout: story %d has no id", i)
		}
		if story.Title == "" {
			return fmt.Errorf("fanout: story %s has no title", story.ID)
		}
		if _, ok := seen[story.ID]; ok {
			return fmt.Errorf("fanout: duplicate story id %s", story.ID)
		}
		seen[story.ID] = struct{}{}
	}
	return nil
}

// IdempotencyKey is the canonical identity of a child across reruns.
func IdempotencyKey(parentID, atomicID string) string {
	return parentID + ":" + atomicID
}

func (s Story) childTitle() string {
	return fmt.Sprintf("[%s] %s", s.ID, s.Title)
}

func (s Story) childDescription(parentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Atomic Story**: %s\n**Parent**: %s\n\n", s.ID, parentID)
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString("\n\n")
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("**Acceptance Criteria**:\n")
		for _, c := range s.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
