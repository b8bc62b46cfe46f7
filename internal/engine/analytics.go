package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

// GraphStats summarizes the shape of the current graph.
type GraphStats struct {
	EntityCount   int     `json:"entityCount"`
	RelationCount int     `json:"relationCount"`
	Density       float64 `json:"density"`

	AverageDegree float64 `json:"averageDegree"`
	MaxDegree     int     `json:"maxDegree"`
	MinDegree     int     `json:"minDegree"`

	// EntityTypes and RelationTypes count current rows per type.
	EntityTypes   map[string]int `json:"entityTypes"`
	RelationTypes map[string]int `json:"relationTypes"`

	ConnectedComponents    int     `json:"connectedComponents"`
	LargestComponentSize   int     `json:"largestComponentSize"`
	StronglyConnectedCount int     `json:"stronglyConnectedCount"`
	AverageClusteringCoeff float64 `json:"averageClusteringCoeff"`
	IsolatedEntityCount    int     `json:"isolatedEntityCount"`
	AverageObservations    float64 `json:"averageObservations"`

	// TopConnected lists the highest-degree entities, at most
	// topConnectedLimit of them.
	TopConnected []NodeDegree `json:"topConnected"`
}

// NodeDegree pairs an entity with its total degree.
type NodeDegree struct {
	Name   string `json:"name"`
	Degree int    `json:"degree"`
}

// NodeAnalytics describes one entity's position in the graph.
type NodeAnalytics struct {
	Name                  string  `json:"name"`
	InDegree              int     `json:"inDegree"`
	OutDegree             int     `json:"outDegree"`
	Degree                int     `json:"degree"`
	DegreeCentrality      float64 `json:"degreeCentrality"`
	ClusteringCoefficient float64 `json:"clusteringCoefficient"`
	ClosenessCentrality   float64 `json:"closenessCentrality"`

	// Neighbors and SecondDegree list the one- and two-hop rings, each
	// capped at MaxNeighbors entries.
	Neighbors    []string `json:"neighbors"`
	SecondDegree []string `json:"secondDegree"`

	Influence Influence `json:"influence"`
}

// Influence summarizes a node's reach: direct neighbor count, additional
// nodes exactly two hops out, and the effective radius (0 for an isolated
// node, 1 when nothing lies beyond the direct ring, 2 otherwise).
type Influence struct {
	Direct   int `json:"direct"`
	Extended int `json:"extended"`
	Radius   int `json:"radius"`
}

// NodeAnalyticsOptions bound per-node analytics output.
type NodeAnalyticsOptions struct {
	// MaxNeighbors caps each listed neighbor ring (default: 100).
	MaxNeighbors int
}

// Component is one connected component, members sorted by name.
type Component struct {
	Members []string `json:"members"`
	Size    int      `json:"size"`
}

// closenessSampleLimit caps the BFS sources used for closeness centrality.
// Exact closeness is O(V*E); sampling keeps analytics usable on big graphs.
const closenessSampleLimit = 20

// topConnectedLimit caps the most-connected list in graph stats.
const topConnectedLimit = 10

// defaultMaxNeighbors caps the neighbor rings in per-node analytics.
const defaultMaxNeighbors = 100

// adjacency holds the neighbor maps shared by analytics and traversal.
type adjacency struct {
	out        map[string][]string
	in         map[string][]string
	undirected map[string]map[string]struct{}
	nodes      []string
}

func buildAdjacency(g *types.Graph) *adjacency {
	adj := &adjacency{
		out:        make(map[string][]string),
		in:         make(map[string][]string),
		undirected: make(map[string]map[string]struct{}),
	}
	for i := range g.Entities {
		name := g.Entities[i].Name
		adj.nodes = append(adj.nodes, name)
		if adj.undirected[name] == nil {
			adj.undirected[name] = make(map[string]struct{})
		}
	}
	for i := range g.Relations {
		r := g.Relations[i]
		if adj.undirected[r.From] == nil || adj.undirected[r.To] == nil {
			continue
		}
		adj.out[r.From] = append(adj.out[r.From], r.To)
		adj.in[r.To] = append(adj.in[r.To], r.From)
		if r.From != r.To {
			adj.undirected[r.From][r.To] = struct{}{}
			adj.undirected[r.To][r.From] = struct{}{}
		}
	}
	sort.Strings(adj.nodes)
	return adj
}

// Stats computes graph-level analytics over the current graph.
func (kg *KnowledgeGraph) Stats(ctx context.Context) (*GraphStats, error) {
	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph stats: %w", err)
	}

	stats := &GraphStats{
		EntityCount:   len(g.Entities),
		RelationCount: len(g.Relations),
		EntityTypes:   make(map[string]int),
		RelationTypes: make(map[string]int),
	}

	var totalObs int
	for i := range g.Entities {
		stats.EntityTypes[g.Entities[i].EntityType]++
		totalObs += len(g.Entities[i].Observations)
	}
	for i := range g.Relations {
		stats.RelationTypes[g.Relations[i].RelationType]++
	}
	if stats.EntityCount > 0 {
		stats.AverageObservations = float64(totalObs) / float64(stats.EntityCount)
	}

	// Directed density: |E| / (|V| * (|V|-1)).
	if stats.EntityCount > 1 {
		stats.Density = float64(stats.RelationCount) /
			(float64(stats.EntityCount) * float64(stats.EntityCount-1))
	}

	adj := buildAdjacency(g)

	if stats.EntityCount > 0 {
		stats.MinDegree = -1
		var totalDegree int
		degrees := make([]NodeDegree, 0, len(adj.nodes))
		for _, name := range adj.nodes {
			degree := len(adj.out[name]) + len(adj.in[name])
			totalDegree += degree
			degrees = append(degrees, NodeDegree{Name: name, Degree: degree})
			if degree > stats.MaxDegree {
				stats.MaxDegree = degree
			}
			if stats.MinDegree < 0 || degree < stats.MinDegree {
				stats.MinDegree = degree
			}
			if degree == 0 {
				stats.IsolatedEntityCount++
			}
		}
		stats.AverageDegree = float64(totalDegree) / float64(stats.EntityCount)

		sort.Slice(degrees, func(i, j int) bool {
			if degrees[i].Degree != degrees[j].Degree {
				return degrees[i].Degree > degrees[j].Degree
			}
			return degrees[i].Name < degrees[j].Name
		})
		if len(degrees) > topConnectedLimit {
			degrees = degrees[:topConnectedLimit]
		}
		stats.TopConnected = degrees
	}

	components := weakComponents(adj)
	stats.ConnectedComponents = len(components)
	for _, c := range components {
		if c.Size > stats.LargestComponentSize {
			stats.LargestComponentSize = c.Size
		}
	}

	stats.StronglyConnectedCount = len(strongComponents(adj))

	var coeffSum float64
	for _, name := range adj.nodes {
		coeffSum += clusteringCoefficient(adj, name)
	}
	if len(adj.nodes) > 0 {
		stats.AverageClusteringCoeff = coeffSum / float64(len(adj.nodes))
	}

	return stats, nil
}

// ConnectedComponents returns the weakly connected components of the current
// graph, largest first.
func (kg *KnowledgeGraph) ConnectedComponents(ctx context.Context) ([]Component, error) {
	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("connected components: %w", err)
	}
	return weakComponents(buildAdjacency(g)), nil
}

// StronglyConnectedComponents returns the strongly connected components of
// the current graph computed with Tarjan's algorithm, largest first.
// Direction matters here: a -> b alone does not make {a, b} one component.
func (kg *KnowledgeGraph) StronglyConnectedComponents(ctx context.Context) ([]Component, error) {
	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("strongly connected components: %w", err)
	}
	return strongComponents(buildAdjacency(g)), nil
}

// AnalyzeNode returns per-entity analytics: degrees, clustering, closeness
// (exact for the node's component via a single BFS), the one- and two-hop
// neighbor rings, and an influence summary.
func (kg *KnowledgeGraph) AnalyzeNode(ctx context.Context, name string, opts NodeAnalyticsOptions) (*NodeAnalytics, error) {
	if opts.MaxNeighbors <= 0 {
		opts.MaxNeighbors = defaultMaxNeighbors
	}

	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyze node: %w", err)
	}

	adj := buildAdjacency(g)
	if adj.undirected[name] == nil {
		return nil, fmt.Errorf("analyze node: entity %q: %w", name, errNotInGraph)
	}

	direct := adj.undirected[name]
	neighbors := make([]string, 0, len(direct))
	for n := range direct {
		neighbors = append(neighbors, n)
	}
	sort.Strings(neighbors)

	// Second ring: neighbors of neighbors, minus the direct ring and the
	// node itself.
	secondSet := make(map[string]struct{})
	for n := range direct {
		for nn := range adj.undirected[n] {
			if nn == name {
				continue
			}
			if _, ok := direct[nn]; ok {
				continue
			}
			secondSet[nn] = struct{}{}
		}
	}
	second := make([]string, 0, len(secondSet))
	for n := range secondSet {
		second = append(second, n)
	}
	sort.Strings(second)

	influence := Influence{Direct: len(direct), Extended: len(second)}
	switch {
	case influence.Extended > 0:
		influence.Radius = 2
	case influence.Direct > 0:
		influence.Radius = 1
	}

	if len(neighbors) > opts.MaxNeighbors {
		neighbors = neighbors[:opts.MaxNeighbors]
	}
	if len(second) > opts.MaxNeighbors {
		second = second[:opts.MaxNeighbors]
	}

	na := &NodeAnalytics{
		Name:                  name,
		InDegree:              len(adj.in[name]),
		OutDegree:             len(adj.out[name]),
		Degree:                len(adj.in[name]) + len(adj.out[name]),
		ClusteringCoefficient: clusteringCoefficient(adj, name),
		ClosenessCentrality:   closenessFrom(adj, name),
		Neighbors:             neighbors,
		SecondDegree:          second,
		Influence:             influence,
	}
	if len(adj.nodes) > 1 {
		na.DegreeCentrality = float64(len(direct)) / float64(len(adj.nodes)-1)
	}
	return na, nil
}

// union-find for weakly connected components.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind(nodes []string) *unionFind {
	uf := &unionFind{
		parent: make(map[string]string, len(nodes)),
		rank:   make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		uf.parent[n] = n
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

func weakComponents(adj *adjacency) []Component {
	uf := newUnionFind(adj.nodes)
	for from, neighbors := range adj.out {
		for _, to := range neighbors {
			uf.union(from, to)
		}
	}

	groups := make(map[string][]string)
	for _, n := range adj.nodes {
		root := uf.find(n)
		groups[root] = append(groups[root], n)
	}
	return sortComponents(groups)
}

// strongComponents runs Tarjan's algorithm iteratively so deep graphs do not
// blow the goroutine stack.
func strongComponents(adj *adjacency) []Component {
	index := make(map[string]int, len(adj.nodes))
	lowlink := make(map[string]int, len(adj.nodes))
	onStack := make(map[string]bool, len(adj.nodes))
	var stack []string
	var counter int
	var components [][]string

	type frame struct {
		node string
		next int
	}

	for _, start := range adj.nodes {
		if _, visited := index[start]; visited {
			continue
		}

		callStack := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(callStack) > 0 {
			f := &callStack[len(callStack)-1]
			succs := adj.out[f.node]

			if f.next < len(succs) {
				next := succs[f.next]
				f.next++
				if _, visited := index[next]; !visited {
					index[next] = counter
					lowlink[next] = counter
					counter++
					stack = append(stack, next)
					onStack[next] = true
					callStack = append(callStack, frame{node: next})
				} else if onStack[next] {
					if index[next] < lowlink[f.node] {
						lowlink[f.node] = index[next]
					}
				}
				continue
			}

			// All successors explored; pop the frame.
			if lowlink[f.node] == index[f.node] {
				var members []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					members = append(members, top)
					if top == f.node {
						break
					}
				}
				components = append(components, members)
			}
			done := f.node
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := &callStack[len(callStack)-1]
				if lowlink[done] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[done]
				}
			}
		}
	}

	groups := make(map[string][]string, len(components))
	for i, members := range components {
		groups[fmt.Sprintf("scc-%d", i)] = members
	}
	return sortComponents(groups)
}

func sortComponents(groups map[string][]string) []Component {
	result := make([]Component, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		result = append(result, Component{Members: members, Size: len(members)})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Size != result[j].Size {
			return result[i].Size > result[j].Size
		}
		return result[i].Members[0] < result[j].Members[0]
	})
	return result
}

// clusteringCoefficient is the fraction of a node's neighbor pairs that are
// themselves connected (undirected view).
func clusteringCoefficient(adj *adjacency, name string) float64 {
	neighbors := adj.undirected[name]
	k := len(neighbors)
	if k < 2 {
		return 0
	}

	list := make([]string, 0, k)
	for n := range neighbors {
		list = append(list, n)
	}

	var links int
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			if _, ok := adj.undirected[list[i]][list[j]]; ok {
				links++
			}
		}
	}
	return float64(2*links) / float64(k*(k-1))
}

// closenessFrom computes closeness centrality for one node over its
// reachable component: (reachable) / (sum of shortest path lengths),
// normalized by the fraction of the graph that is reachable.
func closenessFrom(adj *adjacency, start string) float64 {
	dist := bfsDistances(adj, start)
	var sum, reachable int
	for node, d := range dist {
		if node == start {
			continue
		}
		sum += d
		reachable++
	}
	if sum == 0 || len(adj.nodes) < 2 {
		return 0
	}
	frac := float64(reachable) / float64(len(adj.nodes)-1)
	return frac * float64(reachable) / float64(sum)
}

func bfsDistances(adj *adjacency, start string) map[string]int {
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for next := range adj.undirected[node] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[node] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// SampledCloseness returns closeness centrality for up to
// closenessSampleLimit nodes picked uniformly at random, so repeated calls
// on a large graph cover different regions rather than the same name-ordered
// prefix.
func (kg *KnowledgeGraph) SampledCloseness(ctx context.Context) (map[string]float64, error) {
	g, err := kg.store.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampled closeness: %w", err)
	}

	adj := buildAdjacency(g)
	sample := adj.nodes
	if len(sample) > closenessSampleLimit {
		sample = append([]string(nil), adj.nodes...)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
		sample = sample[:closenessSampleLimit]
	}

	result := make(map[string]float64, len(sample))
	for _, name := range sample {
		result[name] = closenessFrom(adj, name)
	}
	return result, nil
}
