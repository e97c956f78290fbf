package model

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var ErrInvalidRunID = errors.New("invalid run id")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// ValidRunID reports whether runID is exactly eight alphanumeric characters.
func ValidRunID(runID string) bool {
	return runIDPattern.MatchString(runID)
}

func ValidateRunID(runID string) error {
	if !ValidRunID(runID) {
		return fmt.Errorf("%w: %q must be 8 alphanumeric characters", ErrInvalidRunID, runID)
	}
	return nil
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type StageToken string

// NormalizeStageToken lowercases and trims a raw token. Every lookup keyed
// by stage goes through it.
func NormalizeStageToken(token string) StageToken {
	return StageToken(strings.ToLower(strings.TrimSpace(token)))
}

type WorkflowIdentifier string

// StageSet is an unordered, de-duplicated set of stage tokens.
type StageSet struct {
	tokens map[StageToken]struct{}
}

func NewStageSet(tokens ...string) StageSet {
	set := StageSet{tokens: make(map[StageToken]struct{}, len(tokens))}
	for _, token := range tokens {
		normalized := NormalizeStageToken(token)
		if normalized == "" {
			continue
		}
		set.tokens[normalized] = struct{}{}
	}
	return set
}

func (s StageSet) Len() int {
	return len(s.tokens)
}

func (s StageSet) Contains(token StageToken) bool {
	_, ok := s.tokens[token]
	return ok
}

func (s StageSet) ContainsAll(tokens []StageToken) bool {
	for _, token := range tokens {
		if !s.Contains(token) {
			return false
		}
	}
	return true
}

// Tokens returns the members in lexical order.
func (s StageSet) Tokens() []StageToken {
	out := make([]StageToken, 0, len(s.tokens))
	for token := range s.tokens {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RunRecord is the persisted per-run state document. Collaborators outside
// this module create and progress it; teardown only reads and removes it.
type RunRecord struct {
	RunID        string             `json:"adw_id"`
	IssueNumber  string             `json:"issue_number,omitempty"`
	BranchName   string             `json:"branch_name,omitempty"`
	WorktreePath string             `json:"worktree_path,omitempty"`
	Ports        []int              `json:"ports,omitempty"`
	BackendPort  int                `json:"backend_port,omitempty"`
	FrontendPort int                `json:"frontend_port,omitempty"`
	Workflow     WorkflowIdentifier `json:"workflow,omitempty"`
	Stages       []StageToken       `json:"stages,omitempty"`
	Status       RunStatus          `json:"status,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// AllocatedPorts merges the port list with the legacy backend/frontend
// fields, sorted and without duplicates or non-positive values.
func (r RunRecord) AllocatedPorts() []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(r.Ports)+2)
	candidates := append(append([]int{}, r.Ports...), r.BackendPort, r.FrontendPort)
	for _, port := range candidates {
		if port <= 0 {
			continue
		}
		if _, ok := seen[port]; ok {
			continue
		}
		seen[port] = struct{}{}
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}
