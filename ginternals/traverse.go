package ginternals

import "container/heap"

// ParentMode selects whether a traversal follows every parent of a
// commit or only its first, per spec §4.12.
type ParentMode int8

const (
	// ParentsAll follows every parent of a commit.
	ParentsAll ParentMode = iota
	// ParentsFirst follows only a commit's first parent.
	ParentsFirst
)

// TraversalGenerationInfinity mirrors commitgraph.GenerationInfinity:
// the sentinel generation a CommitFinder should report for a commit
// that isn't covered by a commit-graph, so it dominates comparisons
// in the topo-order priority queue (spec §4.6/§4.12).
const TraversalGenerationInfinity uint32 = 0xFFFF_FFFF

// CommitInfo is the subset of a commit's data traversal needs. A
// CommitFinder may read it from a parsed commit object or, when
// available, zero-copy from a commit-graph entry (spec §4.12's
// "pluggable find closure").
type CommitInfo struct {
	Parents       []Oid
	Generation    uint32
	CommitterTime int64
}

// CommitFinder resolves an Oid to the CommitInfo needed to continue a
// traversal.
type CommitFinder func(oid Oid) (CommitInfo, error)

// Predicate filters commits out of a traversal. Returning false both
// skips the commit and prevents its ancestors from being queued,
// which is how range traversal (A..B) is implemented on top of these
// walkers (spec §4.12).
type Predicate func(oid Oid) bool

// TraverseOptions configures any of the three walk modes.
type TraverseOptions struct {
	Parents ParentMode
	// Predicate, if set, gates which commits are emitted/expanded.
	Predicate Predicate
	// CutoffTime, if non-zero, drops commits with an earlier
	// committer timestamp and stops expanding their ancestors
	// (spec §4.12 "sorting::cutoff_time").
	CutoffTime int64
}

func (o TraverseOptions) accepts(oid Oid) bool {
	return o.Predicate == nil || o.Predicate(oid)
}

func (o TraverseOptions) parentsOf(info CommitInfo) []Oid {
	if o.Parents == ParentsFirst && len(info.Parents) > 1 {
		return info.Parents[:1]
	}
	return info.Parents
}

// BFSIterator walks ancestors breadth-first with a seen-set for
// deduplication (spec §4.12 "BFS").
type BFSIterator struct {
	find  CommitFinder
	opts  TraverseOptions
	queue []Oid
	seen  map[string]struct{}
	err   error
	done  bool
}

// NewBFS starts a breadth-first ancestor walk from the given commits.
func NewBFS(find CommitFinder, opts TraverseOptions, starts ...Oid) *BFSIterator {
	it := &BFSIterator{find: find, opts: opts, seen: map[string]struct{}{}}
	for _, s := range starts {
		it.enqueue(s)
	}
	return it
}

func (it *BFSIterator) enqueue(oid Oid) {
	key := oid.String()
	if _, ok := it.seen[key]; ok {
		return
	}
	it.seen[key] = struct{}{}
	it.queue = append(it.queue, oid)
}

// Next returns the next ancestor in BFS order, or (nil, false, nil)
// once the walk is exhausted. Like a pack iterator, it fuses on
// error: once Next returns an error, every subsequent call returns
// (nil, false, thatSameError).
func (it *BFSIterator) Next() (Oid, bool, error) {
	if it.done {
		return nil, false, it.err
	}
	for len(it.queue) > 0 {
		oid := it.queue[0]
		it.queue = it.queue[1:]
		if !it.opts.accepts(oid) {
			continue
		}
		info, err := it.find(oid)
		if err != nil {
			it.err = err
			it.done = true
			return nil, false, err
		}
		if it.opts.CutoffTime != 0 && info.CommitterTime < it.opts.CutoffTime {
			continue
		}
		for _, p := range it.opts.parentsOf(info) {
			it.enqueue(p)
		}
		return oid, true, nil
	}
	it.done = true
	return nil, false, nil
}

// dateNode is one entry of the max-heap DateIterator orders by
// committer timestamp.
type dateNode struct {
	oid  Oid
	info CommitInfo
}

type dateHeap []*dateNode

func (h dateHeap) Len() int            { return len(h) }
func (h dateHeap) Less(i, j int) bool  { return h[i].info.CommitterTime > h[j].info.CommitterTime }
func (h dateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dateHeap) Push(x interface{}) { *h = append(*h, x.(*dateNode)) } //nolint:forcetypeassert // container/heap contract
func (h *dateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// DateIterator walks ancestors ordered by committer timestamp,
// newest first (spec §4.12 "Date").
type DateIterator struct {
	find CommitFinder
	opts TraverseOptions
	h    dateHeap
	seen map[string]struct{}
	err  error
	done bool
}

// NewDate starts a committer-date-ordered ancestor walk.
func NewDate(find CommitFinder, opts TraverseOptions, starts ...Oid) *DateIterator {
	it := &DateIterator{find: find, opts: opts, seen: map[string]struct{}{}}
	heap.Init(&it.h)
	for _, s := range starts {
		it.push(s)
	}
	return it
}

func (it *DateIterator) push(oid Oid) {
	if it.err != nil {
		return
	}
	key := oid.String()
	if _, ok := it.seen[key]; ok {
		return
	}
	it.seen[key] = struct{}{}
	if !it.opts.accepts(oid) {
		return
	}
	info, err := it.find(oid)
	if err != nil {
		it.err = err
		return
	}
	if it.opts.CutoffTime != 0 && info.CommitterTime < it.opts.CutoffTime {
		return
	}
	heap.Push(&it.h, &dateNode{oid: oid, info: info})
}

// Next returns the next ancestor in committer-date order.
func (it *DateIterator) Next() (Oid, bool, error) {
	if it.done {
		return nil, false, it.err
	}
	if it.h.Len() == 0 {
		it.done = true
		return nil, false, it.err
	}
	n, _ := heap.Pop(&it.h).(*dateNode)
	for _, p := range it.opts.parentsOf(n.info) {
		it.push(p)
	}
	if it.err != nil {
		it.done = true
		return nil, false, it.err
	}
	return n.oid, true, nil
}

// topoNode tracks, for one commit discovered by a topo walk, how many
// of its still-unemitted interesting children remain (its indegree in
// the reversed DAG).
type topoNode struct {
	oid      Oid
	info     CommitInfo
	indegree int
}

type topoHeap []*topoNode

func (h topoHeap) Len() int { return len(h) }
func (h topoHeap) Less(i, j int) bool {
	if h[i].info.Generation != h[j].info.Generation {
		return h[i].info.Generation > h[j].info.Generation
	}
	return h[i].info.CommitterTime > h[j].info.CommitterTime
}
func (h topoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topoHeap) Push(x interface{}) { *h = append(*h, x.(*topoNode)) } //nolint:forcetypeassert // container/heap contract
func (h *topoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// TopoIterator walks ancestors in generation-dominant topological
// order: a commit is never emitted before any of its interesting
// children (spec §4.12 "Topo", testable property 6/S6).
type TopoIterator struct {
	order []Oid
	idx   int
}

// NewTopo computes the full topological order up front: a discovery
// pass collects the interesting set and each node's indegree (number
// of interesting children pointing at it), then a priority queue
// keyed by (generation desc, committer time desc) emits only nodes
// whose indegree has reached zero, per spec §4.12's two-pass
// indegree computation.
func NewTopo(find CommitFinder, opts TraverseOptions, starts ...Oid) (*TopoIterator, error) {
	nodes := map[string]*topoNode{}
	visited := map[string]struct{}{}
	queue := append([]Oid{}, starts...)

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		key := oid.String()
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}
		if !opts.accepts(oid) {
			continue
		}
		info, err := find(oid)
		if err != nil {
			return nil, err
		}
		if opts.CutoffTime != 0 && info.CommitterTime < opts.CutoffTime {
			continue
		}
		nodes[key] = &topoNode{oid: oid, info: info}
		queue = append(queue, opts.parentsOf(info)...)
	}

	for _, n := range nodes {
		for _, p := range opts.parentsOf(n.info) {
			if pn, ok := nodes[p.String()]; ok {
				pn.indegree++
			}
		}
	}

	pq := make(topoHeap, 0, len(nodes))
	for _, n := range nodes {
		if n.indegree == 0 {
			pq = append(pq, n)
		}
	}
	heap.Init(&pq)

	order := make([]Oid, 0, len(nodes))
	for pq.Len() > 0 {
		n, _ := heap.Pop(&pq).(*topoNode)
		order = append(order, n.oid)
		for _, p := range opts.parentsOf(n.info) {
			pn, ok := nodes[p.String()]
			if !ok {
				continue
			}
			pn.indegree--
			if pn.indegree == 0 {
				heap.Push(&pq, pn)
			}
		}
	}

	return &TopoIterator{order: order}, nil
}

// Next returns the next ancestor in topological order.
func (it *TopoIterator) Next() (Oid, bool, error) {
	if it.idx >= len(it.order) {
		return nil, false, nil
	}
	oid := it.order[it.idx]
	it.idx++
	return oid, true, nil
}
