// Package stageflow maps a selected set of pipeline stages to the workflow
// identifier that names the executable to run. It is the only place stage
// selections are turned into names; run creation and manual triggers both
// call into it.
package stageflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"adwboard/internal/model"
	"adwboard/internal/policy"
)

var ErrInvalidStageSet = errors.New("invalid stage set")

type InvalidStageSetError struct {
	Reason  string
	Unknown []string
}

func (e *InvalidStageSetError) Error() string {
	if len(e.Unknown) > 0 {
		return fmt.Sprintf("invalid stage set: %s: %s", e.Reason, strings.Join(e.Unknown, ", "))
	}
	return "invalid stage set: " + e.Reason
}

func (e *InvalidStageSetError) Unwrap() error {
	return ErrInvalidStageSet
}

type Rule string

const (
	RuleReserved  Rule = "reserved"
	RuleDedicated Rule = "dedicated"
	RuleJoined    Rule = "joined"
)

// Resolution explains how an identifier was chosen.
type Resolution struct {
	Workflow model.WorkflowIdentifier `json:"workflow"`
	Rule     Rule                     `json:"rule"`
	Reserved string                   `json:"reserved,omitempty"`
	Stages   []model.StageToken       `json:"stages"`
}

type reservedSet struct {
	name     string
	stages   []model.StageToken
	workflow model.WorkflowIdentifier
}

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	order      map[model.StageToken]int
	synonyms   map[model.StageToken]string
	dedicated  map[model.StageToken]model.WorkflowIdentifier
	reserved   []reservedSet
	prefix     string
	suffix     string
	separator  string
	exactMatch bool
}

func NewResolver(cfg policy.StageConfig) (*Resolver, error) {
	if err := policy.ValidateStages(cfg); err != nil {
		return nil, err
	}
	r := &Resolver{
		order:      make(map[model.StageToken]int, len(cfg.Vocabulary)),
		synonyms:   make(map[model.StageToken]string, len(cfg.Synonyms)),
		dedicated:  make(map[model.StageToken]model.WorkflowIdentifier, len(cfg.Dedicated)),
		prefix:     cfg.Prefix,
		suffix:     cfg.Suffix,
		separator:  cfg.Separator,
		exactMatch: cfg.ReservedMatch == policy.ReservedMatchExact,
	}
	for i, token := range cfg.Vocabulary {
		r.order[normalizeToken(token)] = i
	}
	for token, segment := range cfg.Synonyms {
		r.synonyms[normalizeToken(token)] = strings.TrimSpace(segment)
	}
	for token, workflow := range cfg.Dedicated {
		r.dedicated[normalizeToken(token)] = model.WorkflowIdentifier(strings.TrimSpace(workflow))
	}
	for _, item := range cfg.Reserved {
		set := model.NewStageSet(item.Stages...)
		r.reserved = append(r.reserved, reservedSet{
			name:     strings.TrimSpace(item.Name),
			stages:   set.Tokens(),
			workflow: model.WorkflowIdentifier(strings.TrimSpace(item.Workflow)),
		})
	}
	// Most specific combination wins; ties break on workflow name so the
	// configured list order never matters.
	sort.SliceStable(r.reserved, func(i, j int) bool {
		if len(r.reserved[i].stages) != len(r.reserved[j].stages) {
			return len(r.reserved[i].stages) > len(r.reserved[j].stages)
		}
		return r.reserved[i].workflow < r.reserved[j].workflow
	})
	return r, nil
}

func (r *Resolver) Resolve(set model.StageSet) (model.WorkflowIdentifier, error) {
	resolution, err := r.Explain(set)
	if err != nil {
		return "", err
	}
	return resolution.Workflow, nil
}

// ResolveTokens builds a StageSet from raw selections and resolves it.
func (r *Resolver) ResolveTokens(tokens []string) (model.WorkflowIdentifier, error) {
	return r.Resolve(model.NewStageSet(tokens...))
}

func (r *Resolver) Explain(set model.StageSet) (Resolution, error) {
	if set.Len() == 0 {
		return Resolution{}, &InvalidStageSetError{Reason: "at least one stage is required"}
	}
	unknown := []string{}
	for _, token := range set.Tokens() {
		if _, ok := r.order[token]; !ok {
			unknown = append(unknown, string(token))
		}
	}
	if len(unknown) > 0 {
		return Resolution{}, &InvalidStageSetError{Reason: "unknown stages", Unknown: unknown}
	}

	ordered := r.canonicalOrder(set)
	if reserved, ok := r.matchReserved(set); ok {
		return Resolution{Workflow: reserved.workflow, Rule: RuleReserved, Reserved: reserved.name, Stages: ordered}, nil
	}
	if set.Len() == 1 {
		if workflow, ok := r.dedicated[ordered[0]]; ok {
			return Resolution{Workflow: workflow, Rule: RuleDedicated, Stages: ordered}, nil
		}
	}

	segments := make([]string, 0, len(ordered))
	for _, token := range ordered {
		segment := string(token)
		if synonym, ok := r.synonyms[token]; ok && synonym != "" {
			segment = synonym
		}
		segments = append(segments, segment)
	}
	workflow := model.WorkflowIdentifier(r.prefix + strings.Join(segments, r.separator) + r.suffix)
	return Resolution{Workflow: workflow, Rule: RuleJoined, Stages: ordered}, nil
}

// CanonicalStages returns the set's tokens in vocabulary order.
func (r *Resolver) CanonicalStages(set model.StageSet) []model.StageToken {
	return r.canonicalOrder(set)
}

func (r *Resolver) matchReserved(set model.StageSet) (reservedSet, bool) {
	for _, candidate := range r.reserved {
		if !set.ContainsAll(candidate.stages) {
			continue
		}
		extras := set.Len() - len(candidate.stages)
		if extras == 0 {
			return candidate, true
		}
		if r.exactMatch {
			continue
		}
		if r.absorbsDedicated(set, candidate) {
			continue
		}
		return candidate, true
	}
	return reservedSet{}, false
}

// absorbsDedicated reports whether matching candidate would silently drop a
// dedicated token that the candidate does not itself list.
func (r *Resolver) absorbsDedicated(set model.StageSet, candidate reservedSet) bool {
	listed := make(map[model.StageToken]bool, len(candidate.stages))
	for _, token := range candidate.stages {
		listed[token] = true
	}
	for _, token := range set.Tokens() {
		if listed[token] {
			continue
		}
		if _, ok := r.dedicated[token]; ok {
			return true
		}
	}
	return false
}

func (r *Resolver) canonicalOrder(set model.StageSet) []model.StageToken {
	tokens := set.Tokens()
	sort.SliceStable(tokens, func(i, j int) bool {
		return r.order[tokens[i]] < r.order[tokens[j]]
	})
	return tokens
}

func normalizeToken(token string) model.StageToken {
	return model.NormalizeStageToken(token)
}
