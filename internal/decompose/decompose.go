// Package decompose turns a free-form goal into a master/sub spec
// portfolio with a dependency plan, using keyword heuristics rather than
// model calls so planning is deterministic and instant.
package decompose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	minSubCount = 2
	maxSubCount = 5

	masterSlugLimit = 52
	subSlugLimit    = 42
)

// ReservedMasterSlug names the portfolio when the goal asks for the
// self-hosting close-loop program itself.
const ReservedMasterSlug = "autonomous-close-loop-master-sub-program"

// Options tune a decomposition. Zero values mean automatic.
type Options struct {
	// SubCount pins the number of subs; 0 derives it from goal complexity.
	SubCount int
	// Prefix pins the portfolio prefix; 0 derives max(existing)+1.
	Prefix int
	// TrackBias adjusts track scores per slug, clamped to [-2, +2].
	TrackBias map[string]float64
	// ExistingSpecs are the spec names already present in the workspace.
	ExistingSpecs []string
}

// SubSpec is one planned sub-spec.
type SubSpec struct {
	Name         string
	Track        string
	Dependencies []string
}

// Plan is the full decomposition result.
type Plan struct {
	Goal               string
	Prefix             int
	MasterName         string
	MasterDependencies []string
	Subs               []SubSpec
	Analysis           Analysis
}

// SpecNames returns the master and sub names, subs first.
func (p *Plan) SpecNames() []string {
	names := make([]string, 0, len(p.Subs)+1)
	for _, sub := range p.Subs {
		names = append(names, sub.Name)
	}
	return append(names, p.MasterName)
}

// Decompose analyzes the goal and produces a portfolio plan. It performs
// no filesystem work; materialization is the caller's concern.
func Decompose(goal string, opts Options) (*Plan, error) {
	goal = normalizeGoal(goal)
	if goal == "" {
		return nil, fmt.Errorf("decompose: goal is required")
	}

	count := opts.SubCount
	if count != 0 && (count < minSubCount || count > maxSubCount) {
		return nil, fmt.Errorf("decompose: sub count must be between %d and %d, got %d", minSubCount, maxSubCount, count)
	}

	prefix, err := ResolvePrefix(opts.Prefix, opts.ExistingSpecs)
	if err != nil {
		return nil, err
	}

	a := analyze(goal)
	if count == 0 {
		count = chooseSubCount(a)
	}

	tracks := selectTracks(goal, a, opts.TrackBias, count)
	subs := make([]SubSpec, len(tracks))
	for i, track := range tracks {
		subs[i] = SubSpec{
			Name:  SpecName(prefix, i+1, Slugify(track.Slug, subSlugLimit)),
			Track: track.Slug,
		}
	}

	// Subs 1 and 2 are foundations; sub 3 integrates both; later subs
	// chain so the portfolio converges instead of fanning out.
	if len(subs) >= 3 {
		subs[2].Dependencies = []string{subs[0].Name, subs[1].Name}
		for i := 3; i < len(subs); i++ {
			subs[i].Dependencies = []string{subs[i-1].Name}
		}
	}

	masterDeps := make([]string, len(subs))
	for i, sub := range subs {
		masterDeps[i] = sub.Name
	}

	return &Plan{
		Goal:               goal,
		Prefix:             prefix,
		MasterName:         SpecName(prefix, 0, masterSlug(goal, a)),
		MasterDependencies: masterDeps,
		Subs:               subs,
		Analysis:           a,
	}, nil
}

func masterSlug(goal string, a Analysis) string {
	lower := strings.ToLower(goal)
	if a.CategoryScores[CategoryCloseLoop] > 0 && strings.Contains(lower, "master") && strings.Contains(lower, "sub") {
		return ReservedMasterSlug
	}
	return Slugify(goal, masterSlugLimit)
}

// SpecName formats a spec name from its parts.
func SpecName(prefix, seq int, slug string) string {
	return fmt.Sprintf("%02d-%02d-%s", prefix, seq, slug)
}

var specNumberPattern = regexp.MustCompile(`^(\d+)-(\d{2})-`)

// ResolvePrefix returns the pinned prefix or max(existing)+1, starting at 1.
func ResolvePrefix(pinned int, existing []string) (int, error) {
	if pinned != 0 {
		if pinned < 1 {
			return 0, fmt.Errorf("decompose: prefix must be a positive integer, got %d", pinned)
		}
		return pinned, nil
	}
	highest := 0
	for _, name := range existing {
		if m := specNumberPattern.FindStringSubmatch(name); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > highest {
				highest = v
			}
		}
	}
	return highest + 1, nil
}

// RemediationName synthesizes the name of the replan remediation sub for
// one cycle: the next free sequence number within the portfolio prefix.
func RemediationName(prefix, cycle int, existing []string) string {
	highest := 0
	for _, name := range existing {
		m := specNumberPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil || p != prefix {
			continue
		}
		if seq, err := strconv.Atoi(m[2]); err == nil && seq > highest {
			highest = seq
		}
	}
	return SpecName(prefix, highest+1, fmt.Sprintf("replan-remediation-cycle-%d", cycle))
}

// Slugify lowercases, replaces non-alphanumeric runs with single dashes,
// and bounds the result to limit runes. Unicode letters survive so
// non-Latin goals keep a meaningful slug.
func Slugify(s string, limit int) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")

	runes := []rune(slug)
	if len(runes) > limit {
		slug = strings.Trim(string(runes[:limit]), "-")
	}
	if slug == "" {
		return "goal"
	}
	return slug
}
