package classify

import (
	"fmt"
	"strings"
	"time"
)

// Category is the review track assigned to a change.
type Category string

const (
	// CategoryNormal routes the change through the full approval gates.
	CategoryNormal Category = "normal"
	// CategoryOperational is the expedited track for low-risk infra changes.
	CategoryOperational Category = "operational"
)

// Change is the classifier's view of a proposed change.
type Change struct {
	SourceRef string      `json:"source_ref"`
	Commit    string      `json:"commit"`
	Diff      []FileDelta `json:"diff"`
	Labels    []string    `json:"labels"`
}

// FileDelta is one touched file with its line deltas.
type FileDelta struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Classification is the derived category and risk of a change.
type Classification struct {
	Category   Category  `json:"category"`
	RiskScore  int       `json:"risk_score"`
	Reasons    []string  `json:"reasons"`
	ComputedAt time.Time `json:"computed_at"`
}

// Policy holds the tunables for classification.
type Policy struct {
	BaseScore          int      `yaml:"base_score"`
	NormalThreshold    int      `yaml:"normal_threshold"`
	HardCeiling        int      `yaml:"hard_ceiling"`
	OperationalCredit  int      `yaml:"operational_credit"`
	SecurityPenalty    int      `yaml:"security_penalty"`
	LargeChangeLines   int      `yaml:"large_change_lines"`
	LargeChangePenalty int      `yaml:"large_change_penalty"`
	OperationalPaths   []string `yaml:"operational_paths"`
	SecurityPaths      []string `yaml:"security_paths"`
	OverrideLabel      string   `yaml:"override_label"`
}

// DefaultPolicy returns the stock classification policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseScore:          30,
		NormalThreshold:    50,
		HardCeiling:        80,
		OperationalCredit:  15,
		SecurityPenalty:    40,
		LargeChangeLines:   500,
		LargeChangePenalty: 10,
		OperationalPaths:   []string{"terraform/", "infra/", "ops/"},
		SecurityPaths:      []string{"auth/", "iam/", "secrets/"},
		OverrideLabel:      "operational-change",
	}
}

// Classify derives the category and risk score for a change. It is pure and
// deterministic apart from the ComputedAt stamp supplied by now.
//
// A change with an empty diff and no override label is malformed: there is
// nothing to score and no operator vouching for it.
func Classify(ch Change, p Policy, now time.Time) (Classification, error) {
	hasOverride := hasLabel(ch.Labels, p.OverrideLabel)
	if len(ch.Diff) == 0 && !hasOverride {
		return Classification{}, fmt.Errorf("%w: empty diff summary and no %q label", ErrInvalidInput, p.OverrideLabel)
	}

	score := p.BaseScore
	reasons := []string{fmt.Sprintf("base score %d", p.BaseScore)}

	infraOnly := len(ch.Diff) > 0
	securityTouched := ""
	totalDelta := 0
	for _, fd := range ch.Diff {
		totalDelta += fd.Added + fd.Deleted
		if !hasPrefixAny(fd.Path, p.OperationalPaths) {
			infraOnly = false
		}
		if securityTouched == "" && hasPrefixAny(fd.Path, p.SecurityPaths) {
			securityTouched = fd.Path
		}
	}

	if infraOnly {
		score -= p.OperationalCredit
		reasons = append(reasons, fmt.Sprintf("infra-only paths: -%d", p.OperationalCredit))
	}
	if securityTouched != "" {
		score += p.SecurityPenalty
		reasons = append(reasons, fmt.Sprintf("touches security-sensitive path %s: +%d", securityTouched, p.SecurityPenalty))
	}
	if p.LargeChangeLines > 0 && totalDelta > p.LargeChangeLines {
		score += p.LargeChangePenalty
		reasons = append(reasons, fmt.Sprintf("large change (%d lines): +%d", totalDelta, p.LargeChangePenalty))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	category := CategoryNormal
	switch {
	case securityTouched != "":
		// Security paths force the full review track. The override label
		// can relax a classification, never bypass a high-risk one.
		reasons = append(reasons, "security path forces normal")
	case hasOverride && score > p.HardCeiling:
		reasons = append(reasons, fmt.Sprintf("label %q refused: risk %d exceeds ceiling %d", p.OverrideLabel, score, p.HardCeiling))
	case hasOverride:
		category = CategoryOperational
		reasons = append(reasons, fmt.Sprintf("label %q accepted", p.OverrideLabel))
	case infraOnly && score < p.NormalThreshold:
		// Threshold is inclusive on the stricter side: a score exactly at
		// the threshold stays normal.
		category = CategoryOperational
		reasons = append(reasons, fmt.Sprintf("infra-only and risk %d below threshold %d", score, p.NormalThreshold))
	default:
		reasons = append(reasons, fmt.Sprintf("risk %d: full review", score))
	}

	return Classification{
		Category:   category,
		RiskScore:  score,
		Reasons:    reasons,
		ComputedAt: now.UTC(),
	}, nil
}

func hasLabel(labels []string, want string) bool {
	if want == "" {
		return false
	}
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func hasPrefixAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
