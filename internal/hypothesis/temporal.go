package hypothesis

import (
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// deletionMarker identifies file deletion timeline entries.
const deletionMarker = "File Deletion"

// maxHops bounds the RELATED_TO traversal from a failure.
const maxHops = 2

// caseGraph is an undirected adjacency list over RELATED_TO links.
type caseGraph struct {
	adj map[string][]string
}

func nodeKey(label, id string) string {
	return label + ":" + id
}

func newCaseGraph(timeline []*domain.TimelineEvent, failures []*domain.Failure, links []*domain.CaseLink) *caseGraph {
	labels := make(map[string]string, len(timeline)+len(failures))
	for _, t := range timeline {
		if t != nil {
			labels[t.ID] = domain.LabelTimelineEvent
		}
	}
	for _, f := range failures {
		if f != nil {
			labels[f.ID] = domain.LabelFailure
		}
	}
	labelOf := func(label, id string) string {
		if label != "" {
			return label
		}
		if l, ok := labels[id]; ok {
			return l
		}
		return domain.LabelFile
	}

	g := &caseGraph{adj: make(map[string][]string)}
	for _, l := range links {
		if l == nil || (l.Type != "" && l.Type != domain.LinkRelatedTo) {
			continue
		}
		from := nodeKey(labelOf(l.FromLabel, l.FromID), l.FromID)
		to := nodeKey(labelOf(l.ToLabel, l.ToID), l.ToID)
		if from == to {
			continue
		}
		g.adj[from] = append(g.adj[from], to)
		g.adj[to] = append(g.adj[to], from)
	}
	return g
}

// within returns every node reachable from start in 1..hops steps.
func (g *caseGraph) within(start string, hops int) map[string]struct{} {
	seen := map[string]int{start: 0}
	frontier := []string{start}
	out := make(map[string]struct{})
	for depth := 1; depth <= hops && len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			for _, m := range g.adj[n] {
				if _, ok := seen[m]; ok {
					continue
				}
				seen[m] = depth
				out[m] = struct{}{}
				next = append(next, m)
			}
		}
		frontier = next
	}
	return out
}

// DeletionsAfterFailure returns the ids of file deletion timeline events
// that happened strictly after a failure they are related to within two
// hops. Ids are sorted and distinct.
func DeletionsAfterFailure(timeline []*domain.TimelineEvent, failures []*domain.Failure, links []*domain.CaseLink) []string {
	if len(timeline) == 0 || len(failures) == 0 || len(links) == 0 {
		return nil
	}

	deletions := make(map[string]*domain.TimelineEvent)
	for _, t := range timeline {
		if t != nil && strings.Contains(t.Description, deletionMarker) {
			deletions[nodeKey(domain.LabelTimelineEvent, t.ID)] = t
		}
	}
	if len(deletions) == 0 {
		return nil
	}

	g := newCaseGraph(timeline, failures, links)
	found := make(map[string]struct{})
	for _, f := range failures {
		if f == nil {
			continue
		}
		for n := range g.within(nodeKey(domain.LabelFailure, f.ID), maxHops) {
			t, ok := deletions[n]
			if ok && t.Timestamp.After(f.Timestamp) {
				found[t.ID] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
