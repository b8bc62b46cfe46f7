package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

// errNotInGraph marks traversal endpoints that have no current entity.
var errNotInGraph = errors.New("entity not in graph")

// TraversalOptions filter and bound graph traversals.
type TraversalOptions struct {
	// MaxDepth bounds the traversal depth (default: 3).
	MaxDepth int

	// RelationTypes restricts traversal to edges of the given types.
	// Empty means all types.
	RelationTypes []string

	// ExcludeRelationTypes drops edges of the given types. Applied after
	// the include filter.
	ExcludeRelationTypes []string

	// Direction is outbound, inbound, or both (default: both).
	Direction string

	// MaxNodes caps the number of nodes visited (default: 1000).
	MaxNodes int
}

func (o *TraversalOptions) applyDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.Direction == "" {
		o.Direction = "both"
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = 1000
	}
}

// TraversalResult is the subgraph discovered by a BFS or DFS walk plus the
// depth at which each node was first reached.
type TraversalResult struct {
	Graph         types.Graph    `json:"graph"`
	Depths        map[string]int `json:"depths"`
	NodesExplored int            `json:"nodesExplored"`
}

// Path is one route between two entities.
type Path struct {
	Nodes     []string         `json:"nodes"`
	Relations []types.Relation `json:"relations"`
	Length    int              `json:"length"`

	// Weight is the sum of edge weights (1/strength, 1 when unset); only
	// populated by weighted searches.
	Weight float64 `json:"weight,omitempty"`
}

// PathSearchResult carries the found path plus search diagnostics.
type PathSearchResult struct {
	Path          *Path `json:"path,omitempty"`
	Found         bool  `json:"found"`
	NodesExplored int   `json:"nodesExplored"`
}

// PathAnalysis compares a set of paths between the same endpoints.
type PathAnalysis struct {
	Paths []Path `json:"paths"`

	// Uniqueness is the mean pairwise Jaccard distance of the paths' node
	// sets: 1 means fully disjoint routes, 0 means identical.
	Uniqueness float64 `json:"uniqueness"`

	// Bottlenecks are intermediate nodes that two or more paths pass
	// through.
	Bottlenecks []string `json:"bottlenecks"`

	// IntermediateCounts counts how many paths pass through each
	// intermediate node.
	IntermediateCounts map[string]int `json:"intermediateCounts"`

	// LengthCounts is the distribution of path lengths (hops -> paths).
	LengthCounts map[int]int `json:"lengthCounts"`

	// RelationTypeCounts counts edge types across all paths.
	RelationTypeCounts map[string]int `json:"relationTypeCounts"`

	ShortestLength int           `json:"shortestLength"`
	LongestLength  int           `json:"longestLength"`
	Elapsed        time.Duration `json:"elapsed"`
}

// edge is one traversable relation with its endpoints resolved for the
// requested direction.
type edge struct {
	neighbor string
	relation types.Relation
}

// traversalGraph indexes current relations for traversal, honoring the
// direction and relation type filters once up front.
type traversalGraph struct {
	edges map[string][]edge
	nodes map[string]types.Entity
}

func buildTraversalGraph(g *types.Graph, opts TraversalOptions) *traversalGraph {
	allowed := make(map[string]struct{}, len(opts.RelationTypes))
	for _, t := range opts.RelationTypes {
		allowed[t] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(opts.ExcludeRelationTypes))
	for _, t := range opts.ExcludeRelationTypes {
		excluded[t] = struct{}{}
	}

	tg := &traversalGraph{
		edges: make(map[string][]edge),
		nodes: make(map[string]types.Entity, len(g.Entities)),
	}
	for i := range g.Entities {
		tg.nodes[g.Entities[i].Name] = g.Entities[i]
	}

	for i := range g.Relations {
		r := g.Relations[i]
		if len(allowed) > 0 {
			if _, ok := allowed[r.RelationType]; !ok {
				continue
			}
		}
		if _, ok := excluded[r.RelationType]; ok {
			continue
		}
		if opts.Direction == "outbound" || opts.Direction == "both" {
			tg.edges[r.From] = append(tg.edges[r.From], edge{neighbor: r.To, relation: r})
		}
		if opts.Direction == "inbound" || opts.Direction == "both" {
			tg.edges[r.To] = append(tg.edges[r.To], edge{neighbor: r.From, relation: r})
		}
	}

	// Deterministic expansion order.
	for name := range tg.edges {
		es := tg.edges[name]
		sort.Slice(es, func(i, j int) bool { return es[i].neighbor < es[j].neighbor })
	}
	return tg
}

// Neighborhood walks the graph breadth-first from start, honoring the depth,
// direction, and relation type filters, and returns the visited subgraph.
func (kg *KnowledgeGraph) Neighborhood(ctx context.Context, start string, opts TraversalOptions) (*TraversalResult, error) {
	opts.applyDefaults()

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("neighborhood: %w", err)
	}
	tg := buildTraversalGraph(g, opts)
	if _, ok := tg.nodes[start]; !ok {
		return nil, fmt.Errorf("neighborhood: entity %q: %w", start, errNotInGraph)
	}

	depths := map[string]int{start: 0}
	queue := []string{start}
	seenRelations := make(map[string]struct{})
	var relations []types.Relation

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		// Expand the dequeued node, not its children: every node within
		// MaxDepth gets its outgoing frontier examined exactly once.
		if depths[node] >= opts.MaxDepth {
			continue
		}
		for _, e := range tg.edges[node] {
			if _, seen := seenRelations[e.relation.ID]; !seen {
				seenRelations[e.relation.ID] = struct{}{}
				relations = append(relations, e.relation)
			}
			if _, visited := depths[e.neighbor]; visited {
				continue
			}
			if len(depths) >= opts.MaxNodes {
				continue
			}
			depths[e.neighbor] = depths[node] + 1
			queue = append(queue, e.neighbor)
		}
	}

	entities := make([]types.Entity, 0, len(depths))
	for name := range depths {
		entities = append(entities, tg.nodes[name])
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	if relations == nil {
		relations = []types.Relation{}
	}

	return &TraversalResult{
		Graph:         types.Graph{Entities: entities, Relations: relations},
		Depths:        depths,
		NodesExplored: len(depths),
	}, nil
}

// ShortestPath finds a shortest path between two entities with bidirectional
// BFS, which meets in the middle and explores far fewer nodes than a plain
// BFS on well-connected graphs.
func (kg *KnowledgeGraph) ShortestPath(ctx context.Context, from, to string, opts TraversalOptions) (*PathSearchResult, error) {
	opts.applyDefaults()

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("shortest path: %w", err)
	}
	tg := buildTraversalGraph(g, opts)
	reverse := buildTraversalGraph(g, reversedOptions(opts))

	if _, ok := tg.nodes[from]; !ok {
		return nil, fmt.Errorf("shortest path: entity %q: %w", from, errNotInGraph)
	}
	if _, ok := tg.nodes[to]; !ok {
		return nil, fmt.Errorf("shortest path: entity %q: %w", to, errNotInGraph)
	}

	if from == to {
		return &PathSearchResult{
			Path:  &Path{Nodes: []string{from}, Relations: []types.Relation{}},
			Found: true, NodesExplored: 1,
		}, nil
	}

	type crumb struct {
		prev string
		rel  types.Relation
	}
	fwd := map[string]crumb{from: {}}
	bwd := map[string]crumb{to: {}}
	fwdQueue := []string{from}
	bwdQueue := []string{to}
	explored := 2

	var meet string
	var found bool

	expand := func(queue []string, visited, other map[string]crumb, graph *traversalGraph) []string {
		var next []string
		for _, node := range queue {
			for _, e := range graph.edges[node] {
				if _, seen := visited[e.neighbor]; seen {
					continue
				}
				visited[e.neighbor] = crumb{prev: node, rel: e.relation}
				explored++
				if _, ok := other[e.neighbor]; ok {
					meet = e.neighbor
					found = true
					return nil
				}
				next = append(next, e.neighbor)
			}
		}
		return next
	}

	depth := 0
	for len(fwdQueue) > 0 && len(bwdQueue) > 0 && !found {
		if depth >= opts.MaxDepth {
			break
		}
		depth++
		// Always grow the smaller frontier.
		if len(fwdQueue) <= len(bwdQueue) {
			fwdQueue = expand(fwdQueue, fwd, bwd, tg)
		} else {
			bwdQueue = expand(bwdQueue, bwd, fwd, reverse)
		}
	}

	if !found {
		return &PathSearchResult{Found: false, NodesExplored: explored}, nil
	}

	// Stitch the two halves together at the meeting node.
	var nodes []string
	var rels []types.Relation
	for at := meet; at != from; at = fwd[at].prev {
		nodes = append([]string{at}, nodes...)
		rels = append([]types.Relation{fwd[at].rel}, rels...)
	}
	nodes = append([]string{from}, nodes...)
	for at := meet; at != to; at = bwd[at].prev {
		next := bwd[at].prev
		nodes = append(nodes, next)
		rels = append(rels, bwd[at].rel)
	}

	return &PathSearchResult{
		Path:          &Path{Nodes: nodes, Relations: rels, Length: len(rels)},
		Found:         true,
		NodesExplored: explored,
	}, nil
}

func reversedOptions(opts TraversalOptions) TraversalOptions {
	r := opts
	switch opts.Direction {
	case "outbound":
		r.Direction = "inbound"
	case "inbound":
		r.Direction = "outbound"
	}
	return r
}

// AllPaths enumerates simple paths between two entities up to MaxDepth with
// a depth-first walk, capped at maxPaths results.
func (kg *KnowledgeGraph) AllPaths(ctx context.Context, from, to string, maxPaths int, opts TraversalOptions) ([]Path, error) {
	opts.applyDefaults()
	if maxPaths <= 0 {
		maxPaths = 10
	}

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("all paths: %w", err)
	}
	tg := buildTraversalGraph(g, opts)
	if _, ok := tg.nodes[from]; !ok {
		return nil, fmt.Errorf("all paths: entity %q: %w", from, errNotInGraph)
	}
	if _, ok := tg.nodes[to]; !ok {
		return nil, fmt.Errorf("all paths: entity %q: %w", to, errNotInGraph)
	}

	var paths []Path
	onPath := map[string]bool{from: true}
	nodes := []string{from}
	var rels []types.Relation

	var dfs func(node string)
	dfs = func(node string) {
		if len(paths) >= maxPaths {
			return
		}
		if node == to {
			paths = append(paths, Path{
				Nodes:     append([]string{}, nodes...),
				Relations: append([]types.Relation{}, rels...),
				Length:    len(rels),
			})
			return
		}
		if len(rels) >= opts.MaxDepth {
			return
		}
		for _, e := range tg.edges[node] {
			if onPath[e.neighbor] {
				continue
			}
			onPath[e.neighbor] = true
			nodes = append(nodes, e.neighbor)
			rels = append(rels, e.relation)
			dfs(e.neighbor)
			rels = rels[:len(rels)-1]
			nodes = nodes[:len(nodes)-1]
			onPath[e.neighbor] = false
		}
	}
	dfs(from)

	return paths, nil
}

// WeightedShortestPath runs Dijkstra with edge weight 1/strength (1 when
// strength is unset or zero), so strong relations are cheap to traverse.
func (kg *KnowledgeGraph) WeightedShortestPath(ctx context.Context, from, to string, opts TraversalOptions) (*PathSearchResult, error) {
	opts.applyDefaults()

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("weighted shortest path: %w", err)
	}
	tg := buildTraversalGraph(g, opts)
	if _, ok := tg.nodes[from]; !ok {
		return nil, fmt.Errorf("weighted shortest path: entity %q: %w", from, errNotInGraph)
	}
	if _, ok := tg.nodes[to]; !ok {
		return nil, fmt.Errorf("weighted shortest path: entity %q: %w", to, errNotInGraph)
	}

	type crumb struct {
		prev string
		rel  types.Relation
	}
	dist := map[string]float64{from: 0}
	prev := make(map[string]crumb)
	done := make(map[string]bool)
	explored := 0

	pq := &nodeQueue{{name: from, priority: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*nodeItem)
		if done[item.name] {
			continue
		}
		done[item.name] = true
		explored++
		if item.name == to {
			break
		}

		for _, e := range tg.edges[item.name] {
			alt := dist[item.name] + e.relation.Weight()
			if d, seen := dist[e.neighbor]; !seen || alt < d {
				dist[e.neighbor] = alt
				prev[e.neighbor] = crumb{prev: item.name, rel: e.relation}
				heap.Push(pq, &nodeItem{name: e.neighbor, priority: alt})
			}
		}
	}

	if !done[to] {
		return &PathSearchResult{Found: false, NodesExplored: explored}, nil
	}

	var nodes []string
	var rels []types.Relation
	for at := to; at != from; at = prev[at].prev {
		nodes = append([]string{at}, nodes...)
		rels = append([]types.Relation{prev[at].rel}, rels...)
	}
	nodes = append([]string{from}, nodes...)

	return &PathSearchResult{
		Path: &Path{
			Nodes: nodes, Relations: rels,
			Length: len(rels), Weight: dist[to],
		},
		Found:         true,
		NodesExplored: explored,
	}, nil
}

// AnalyzePaths compares alternative routes between two entities: route
// diversity as mean pairwise Jaccard distance of node sets, and bottleneck
// nodes every route passes through.
func (kg *KnowledgeGraph) AnalyzePaths(ctx context.Context, from, to string, maxPaths int, opts TraversalOptions) (*PathAnalysis, error) {
	start := time.Now()
	paths, err := kg.AllPaths(ctx, from, to, maxPaths, opts)
	if err != nil {
		return nil, err
	}

	analysis := &PathAnalysis{
		Paths:              paths,
		IntermediateCounts: make(map[string]int),
		LengthCounts:       make(map[int]int),
		RelationTypeCounts: make(map[string]int),
	}
	if len(paths) == 0 {
		analysis.Elapsed = time.Since(start)
		return analysis, nil
	}

	analysis.ShortestLength = paths[0].Length
	analysis.LongestLength = paths[0].Length
	for _, p := range paths {
		analysis.LengthCounts[p.Length]++
		for _, r := range p.Relations {
			analysis.RelationTypeCounts[r.RelationType]++
		}
		for _, n := range p.Nodes {
			if n != from && n != to {
				analysis.IntermediateCounts[n]++
			}
		}
		if p.Length < analysis.ShortestLength {
			analysis.ShortestLength = p.Length
		}
		if p.Length > analysis.LongestLength {
			analysis.LongestLength = p.Length
		}
	}

	sets := make([]map[string]struct{}, len(paths))
	for i, p := range paths {
		sets[i] = make(map[string]struct{}, len(p.Nodes))
		for _, n := range p.Nodes {
			sets[i][n] = struct{}{}
		}
	}

	if len(paths) > 1 {
		var sum float64
		var pairs int
		for i := 0; i < len(sets); i++ {
			for j := i + 1; j < len(sets); j++ {
				sum += 1 - jaccard(sets[i], sets[j])
				pairs++
			}
		}
		analysis.Uniqueness = sum / float64(pairs)
	}

	// Bottlenecks: intermediate nodes that at least two paths share.
	for node, count := range analysis.IntermediateCounts {
		if count >= 2 {
			analysis.Bottlenecks = append(analysis.Bottlenecks, node)
		}
	}
	sort.Strings(analysis.Bottlenecks)

	analysis.Elapsed = time.Since(start)
	return analysis, nil
}

func jaccard(a, b map[string]struct{}) float64 {
	var inter int
	for n := range a {
		if _, ok := b[n]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// nodeItem / nodeQueue implement container/heap for Dijkstra.
type nodeItem struct {
	name     string
	priority float64
}

type nodeQueue []*nodeItem

func (q nodeQueue) Len() int            { return len(q) }
func (q nodeQueue) Less(i, j int) bool  { return q[i].priority < q[j].priority }
func (q nodeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(*nodeItem)) }
func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
