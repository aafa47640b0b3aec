package orchestrate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/sce/internal/manifest"
	"github.com/antigravity-dev/sce/internal/workspace"
)

// Plan is the computed execution order for one orchestration run: Kahn
// batches over the dependency graph, the scheduled flattening of those
// batches, and the lease conflict groups that force serial execution.
type Plan struct {
	Original       []string
	Reordered      []string
	Batches        [][]string
	AutoReordered  bool
	ConflictGroups map[string][]string

	// children maps a spec to its direct dependents within the plan.
	children map[string][]string
}

// BuildPlan batches specNames by Kahn's algorithm over the induced
// dependency graph. Edges to specs outside the input set are ignored.
// Within a batch, lexicographic order is the baseline; the manifest's
// ontology order permutes inside the batch only.
func BuildPlan(specNames []string, deps map[string][]string, m *manifest.Manifest) (*Plan, error) {
	inSet := make(map[string]bool, len(specNames))
	for _, name := range specNames {
		if inSet[name] {
			return nil, fmt.Errorf("orchestrate: duplicate spec name %q", name)
		}
		inSet[name] = true
	}

	children := make(map[string][]string)
	indegree := make(map[string]int, len(specNames))
	for _, name := range specNames {
		for _, dep := range deps[name] {
			if !inSet[dep] || dep == name {
				continue
			}
			children[dep] = append(children[dep], name)
			indegree[name]++
		}
	}

	assigned := make(map[string]bool, len(specNames))
	var batches [][]string
	autoReordered := false
	for len(assigned) < len(specNames) {
		var batch []string
		for _, name := range specNames {
			if !assigned[name] && indegree[name] == 0 {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			var stuck []string
			for _, name := range specNames {
				if !assigned[name] {
					stuck = append(stuck, name)
				}
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("orchestrate: dependency cycle among specs: %s", strings.Join(stuck, ", "))
		}

		sort.Strings(batch)
		if reorderByOntology(batch, m) {
			autoReordered = true
		}
		batches = append(batches, batch)
		for _, name := range batch {
			assigned[name] = true
			for _, child := range children[name] {
				indegree[child]--
			}
		}
	}

	reordered := make([]string, 0, len(specNames))
	for _, batch := range batches {
		reordered = append(reordered, batch...)
	}

	groups := make(map[string][]string)
	for _, name := range reordered {
		key := workspace.LeaseKey(name)
		groups[key] = append(groups[key], name)
	}
	conflicts := make(map[string][]string)
	for key, members := range groups {
		if len(members) > 1 {
			conflicts[key] = members
		}
	}

	return &Plan{
		Original:       append([]string(nil), specNames...),
		Reordered:      reordered,
		Batches:        batches,
		AutoReordered:  autoReordered,
		ConflictGroups: conflicts,
		children:       children,
	}, nil
}

// reorderByOntology stably sorts one batch by manifest rank, keeping the
// incoming order for equal ranks. Reports whether anything moved.
func reorderByOntology(batch []string, m *manifest.Manifest) bool {
	if m == nil || len(m.Ontology.Order) == 0 || len(batch) < 2 {
		return false
	}
	before := append([]string(nil), batch...)
	sort.SliceStable(batch, func(i, j int) bool {
		return m.Rank(workspace.Slug(batch[i])) < m.Rank(workspace.Slug(batch[j]))
	})
	for i := range batch {
		if batch[i] != before[i] {
			return true
		}
	}
	return false
}

// groupByLease partitions a batch into lease groups, preserving batch order
// both across groups and within each group.
func groupByLease(batch []string) [][]string {
	index := make(map[string]int)
	var groups [][]string
	for _, name := range batch {
		key := workspace.LeaseKey(name)
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], name)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []string{name})
	}
	return groups
}

// RenderMarkdown produces the agent sync plan document persisted under the
// master spec's custom directory.
func (p *Plan) RenderMarkdown(generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("# Agent Sync Plan\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Auto-reordered: %t\n\n", p.AutoReordered)

	b.WriteString("## Execution batches\n\n")
	for i, batch := range p.Batches {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(batch, ", "))
	}

	b.WriteString("\n## Original order\n\n")
	for _, name := range p.Original {
		fmt.Fprintf(&b, "- %s\n", name)
	}

	b.WriteString("\n## Scheduled order\n\n")
	for _, name := range p.Reordered {
		fmt.Fprintf(&b, "- %s\n", name)
	}

	if len(p.ConflictGroups) > 0 {
		keys := make([]string, 0, len(p.ConflictGroups))
		for key := range p.ConflictGroups {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteString("\n## Lease conflict groups\n\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "- `%s`: %s\n", key, strings.Join(p.ConflictGroups[key], ", "))
		}
	}
	return b.String()
}
