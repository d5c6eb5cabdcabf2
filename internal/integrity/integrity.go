// Package integrity hashes tracked workspace files and classifies each one
// against its ratchet lock record.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

// State is the classification of an artifact.
type State string

const (
	StateDraft      State = "draft"
	StateApproved   State = "approved"
	StateStale      State = "stale"
	StateSuperseded State = "superseded"
)

// Artifact is one tracked file of a work item.
type Artifact struct {
	Path         string `json:"path" yaml:"path"`
	Hash         string `json:"hash,omitempty" yaml:"hash,omitempty"`
	ApprovedHash string `json:"approved_hash,omitempty" yaml:"approved_hash,omitempty"`
	State        State  `json:"state" yaml:"state"`
	Missing      bool   `json:"missing,omitempty" yaml:"missing,omitempty"`
	LockStage    string `json:"lock_stage,omitempty" yaml:"lock_stage,omitempty"`
}

// Present reports whether the file exists on disk.
func (a Artifact) Present() bool {
	return !a.Missing
}

// Registry is the classified artifact set of one work item.
type Registry struct {
	WorkItemID  string     `json:"work_item_id" yaml:"work_item_id"`
	RefreshedAt time.Time  `json:"refreshed_at" yaml:"refreshed_at"`
	Artifacts   []Artifact `json:"artifacts" yaml:"artifacts"`
}

// Get returns the artifact at a normalized path.
func (r Registry) Get(path string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Path == path {
			return a, true
		}
	}
	return Artifact{}, false
}

// Matching returns the artifacts whose path matches pattern.
func (r Registry) Matching(pattern string) []Artifact {
	var out []Artifact
	for _, a := range r.Artifacts {
		if lifecycle.Match(pattern, a.Path) {
			out = append(out, a)
		}
	}
	return out
}

// Stale returns every stale artifact.
func (r Registry) Stale() []Artifact {
	var out []Artifact
	for _, a := range r.Artifacts {
		if a.State == StateStale {
			out = append(out, a)
		}
	}
	return out
}

// Counts tallies artifacts per state.
func (r Registry) Counts() map[State]int {
	counts := map[State]int{StateDraft: 0, StateApproved: 0, StateStale: 0, StateSuperseded: 0}
	for _, a := range r.Artifacts {
		counts[a.State]++
	}
	return counts
}

// Classify maps an artifact and its lock record to a state. Staleness is pure
// hash drift against the artifact's own approved snapshot; a locked file that
// disappeared is stale as well.
func Classify(a Artifact, lock *ratchet.Lock) State {
	if lock == nil || lock.Glob {
		return StateDraft
	}
	if !lock.Locked {
		return StateSuperseded
	}
	if a.Missing || a.Hash != lock.ApprovedHash {
		return StateStale
	}
	return StateApproved
}

// Reclassify applies a lock table to already hashed artifacts without
// touching the filesystem.
func Reclassify(reg Registry, locks []ratchet.Lock) Registry {
	byPath := make(map[string]ratchet.Lock, len(locks))
	for _, lock := range locks {
		if !lock.Glob {
			byPath[lock.Path] = lock
		}
	}
	out := Registry{WorkItemID: reg.WorkItemID, RefreshedAt: reg.RefreshedAt}
	seen := map[string]struct{}{}
	for _, a := range reg.Artifacts {
		seen[a.Path] = struct{}{}
		out.Artifacts = append(out.Artifacts, classifyWith(a, byPath))
	}
	for path := range byPath {
		if _, ok := seen[path]; ok {
			continue
		}
		out.Artifacts = append(out.Artifacts, classifyWith(Artifact{Path: path, Missing: true}, byPath))
	}
	sortArtifacts(out.Artifacts)
	return out
}

func classifyWith(a Artifact, locks map[string]ratchet.Lock) Artifact {
	a.ApprovedHash = ""
	a.LockStage = ""
	var lockPtr *ratchet.Lock
	if lock, ok := locks[a.Path]; ok {
		lockPtr = &lock
		a.ApprovedHash = lock.ApprovedHash
		a.LockStage = lock.Stage
	}
	a.State = Classify(a, lockPtr)
	return a
}

// Tracker hashes the files a lifecycle declares.
type Tracker struct {
	def    lifecycle.Definition
	clock  func() time.Time
	logger *zap.Logger
}

// Option customizes the tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker builds a tracker for a lifecycle definition.
func NewTracker(def lifecycle.Definition, opts ...Option) *Tracker {
	t := &Tracker{def: def, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Refresh walks the work item's workspace, hashes every file matching a
// declared pattern, and classifies it against locks. Locked paths whose file
// is gone are included as missing. The filesystem is only read.
func (t *Tracker) Refresh(ctx context.Context, item workitem.WorkItem, locks []ratchet.Lock) (Registry, error) {
	if item.Workspace == "" {
		return Registry{}, fmt.Errorf("integrity: work item %s has no workspace", item.ID)
	}
	root, err := filepath.EvalSymlinks(item.Workspace)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Registry{}, fmt.Errorf("integrity: resolve workspace: %w", err)
	}
	var artifacts []Artifact
	if root != "" {
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return t.visit(ctx, root, path, d, &artifacts)
		})
		if err != nil {
			return Registry{}, err
		}
	}
	reg := Registry{
		WorkItemID:  item.ID,
		RefreshedAt: t.clock().UTC().Truncate(time.Millisecond),
		Artifacts:   artifacts,
	}
	reg = Reclassify(reg, locks)
	counts := reg.Counts()
	t.logger.Debug("artifact registry refreshed",
		zap.String("work_item", item.ID),
		zap.Int("approved", counts[StateApproved]),
		zap.Int("draft", counts[StateDraft]),
		zap.Int("stale", counts[StateStale]),
		zap.Int("superseded", counts[StateSuperseded]),
	)
	return reg, nil
}

func (t *Tracker) visit(ctx context.Context, root, path string, d fs.DirEntry, artifacts *[]Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	if d.IsDir() {
		if rel != "." && (strings.HasPrefix(d.Name(), ".ratchet") || d.Name() == ".git") {
			return filepath.SkipDir
		}
		return nil
	}
	if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".ratchet-") || !t.def.Tracks(rel) {
		return nil
	}
	hash, err := HashFile(path)
	if err != nil {
		return fmt.Errorf("integrity: hash %s: %w", rel, err)
	}
	*artifacts = append(*artifacts, Artifact{Path: rel, Hash: hash})
	return nil
}

// HashFile returns the hex SHA-256 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortArtifacts(artifacts []Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Path < artifacts[j].Path
	})
}
