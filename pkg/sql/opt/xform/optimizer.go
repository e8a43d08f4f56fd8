// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package xform turns a bound logical query tree into the cheapest physical
// plan the enumeration budget allows. It generates candidate access paths,
// join orders and operator algorithms, costs them, and selects the argmin.
package xform

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/opt"
	"github.com/stratumdb/stratum/pkg/sql/opt/cat"
	"github.com/stratumdb/stratum/pkg/sql/opt/memo"
	"github.com/stratumdb/stratum/pkg/sql/opt/props"
	"github.com/stratumdb/stratum/pkg/sql/stats"
	"github.com/stratumdb/stratum/pkg/util/log"
	"golang.org/x/sync/errgroup"
)

// Optimizer drives one optimization request. It is not safe for concurrent
// use; create one per request. Candidate subplans within the request are
// costed in parallel, which is safe because costing reads only immutable
// statistics snapshots and writes to request-local plan nodes.
type Optimizer struct {
	catalog *cat.Catalog
	sb      *memo.StatisticsBuilder
	coster  *Coster
	cfg     Config
	mem     *memo.Memo

	budget      budget
	shape       *queryShape
	leafSets    []*planSet
	interesting []opt.Ordering
}

// Result is the outcome of one optimization request.
type Result struct {
	// Plan is the selected physical plan with per-node cost estimates.
	Plan *memo.PlanNode

	// Truncated is set when the enumeration budget expired before the
	// search completed; Plan is then the best candidate seen, or the
	// always-constructible fallback.
	Truncated bool

	// PlansConsidered is the number of candidate plans enumerated.
	PlansConsidered int64

	// StatsVersions records the statistics versions each estimate was
	// derived from, keyed by target, for plan cache validation.
	StatsVersions map[string]uint64
}

// NewOptimizer returns an optimizer for a single request.
func NewOptimizer(catalog *cat.Catalog, store *stats.Store, cfg Config) *Optimizer {
	return &Optimizer{
		catalog: catalog,
		sb:      memo.NewStatisticsBuilder(catalog, store),
		coster:  NewCoster(cfg),
		cfg:     cfg,
		mem:     memo.NewMemo(),
	}
}

// Optimize searches for the cheapest physical plan for the query. A
// malformed tree is a contract violation and returns an assertion error; an
// expired budget is not an error and yields the best plan found so far.
func (o *Optimizer) Optimize(ctx context.Context, query *opt.Logical) (*Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	o.budget.init(ctx, o.cfg.MaxPlans)

	shape, err := decompose(o.catalog, query)
	if err != nil {
		return nil, err
	}
	o.shape = shape
	o.interesting = shape.interestingOrders()

	if err := o.buildLeaves(ctx); err != nil {
		return nil, err
	}

	set, err := o.optimizeJoins(ctx)
	if err != nil {
		return nil, err
	}
	if set != nil {
		set = o.applyResidual(set)
		if shape.groupBy != nil {
			set = o.optimizeGroupBy(set, shape.groupBy)
		}
		if shape.having != nil {
			set = o.applyFilterSet(set, shape.having.Filter)
		}
		set = o.optimizeOrdering(set, shape.sort, shape.top)
	}

	var root memo.RelID
	if set != nil {
		root = set.best
	}
	if root == 0 {
		// Budget expired before any complete plan was assembled. The
		// fallback needs no indexes or sorted inputs, so it is always
		// constructible.
		root, err = o.buildFallback()
		if err != nil {
			return nil, err
		}
	}

	res := &Result{
		Plan:            o.mem.ExtractPlan(root),
		Truncated:       o.budget.exhausted(),
		PlansConsidered: o.budget.considered,
		StatsVersions:   o.sb.VersionsUsed(),
	}
	if res.Truncated {
		log.Infof(ctx, "optimization budget truncated after %d plans", res.PlansConsidered)
	}
	return res, nil
}

// Memo exposes the request's plan arena, for tests and explain output.
func (o *Optimizer) Memo() *memo.Memo {
	return o.mem
}

// budget bounds enumeration by a plan counter and a wall-clock deadline.
// When it expires, enumeration stops and the best candidate seen so far
// wins; expiry is never an error.
type budget struct {
	maxPlans   int64
	considered int64
	deadline   time.Time
	hasDL      bool
	done       bool
}

func (b *budget) init(ctx context.Context, maxPlans int64) {
	b.maxPlans = maxPlans
	b.considered = 0
	b.done = false
	b.deadline, b.hasDL = ctx.Deadline()
	// The per-candidate clock check is amortized, so a deadline that has
	// already passed would otherwise go unnoticed for small searches.
	if b.hasDL && !time.Now().Before(b.deadline) {
		b.done = true
	}
}

// consider accounts for one candidate plan and reports whether enumeration
// may continue.
func (b *budget) consider() bool {
	if b.done {
		return false
	}
	b.considered++
	if b.maxPlans > 0 && b.considered >= b.maxPlans {
		b.done = true
		return false
	}
	// The clock check is amortized; a syscall per candidate would dominate
	// enumeration itself.
	if b.hasDL && b.considered%64 == 0 && !time.Now().Before(b.deadline) {
		b.done = true
		return false
	}
	return true
}

func (b *budget) exhausted() bool {
	return b.done
}

// queryShape is the decomposed logical tree: base relations with pushed-down
// single-table filters, the join graph, and the pipeline operators above it
// in FROM, WHERE, GROUP BY, HAVING, ORDER BY, TOP evaluation order.
type queryShape struct {
	rels     []baseRel
	eqs      []opt.JoinEquality
	residual []*opt.ScalarExpr

	// reorderable is false when an outer join pins the join shape; the
	// original joinTree is then optimized in place.
	reorderable bool
	joinTree    *opt.Logical

	groupBy *opt.Logical
	// having is a filter bound above the aggregation. It references
	// aggregate outputs, so it cannot be pushed into the join tree and is
	// applied once the group-by is placed.
	having *opt.Logical
	sort   *opt.Logical
	top    *opt.Logical

	// relOfTable maps a table to its index in rels.
	relOfTable map[opt.TableID]int
}

type baseRel struct {
	table   opt.TableID
	filters []*opt.ScalarExpr
}

// decompose validates and flattens the bound logical tree. Malformed input
// (nil children, unknown operators, unresolved references) is a contract
// violation surfaced as an assertion error.
func decompose(catalog *cat.Catalog, query *opt.Logical) (*queryShape, error) {
	if query == nil {
		return nil, errors.AssertionFailedf("nil logical tree")
	}
	shape := &queryShape{reorderable: true, relOfTable: make(map[opt.TableID]int)}

	n := query
	if n.Op == opt.TopOp {
		shape.top = n
		n = n.Input
	}
	if n == nil {
		return nil, errors.AssertionFailedf("malformed logical tree: missing input")
	}
	if n.Op == opt.SortOp {
		shape.sort = n
		n = n.Input
	}
	if n == nil {
		return nil, errors.AssertionFailedf("malformed logical tree: missing input")
	}
	if n.Op == opt.SelectOp && n.Input != nil && n.Input.Op == opt.GroupByOp {
		shape.having = n
		n = n.Input
	}
	if n.Op == opt.GroupByOp {
		shape.groupBy = n
		n = n.Input
	}
	shape.joinTree = n

	if _, err := shape.collect(catalog, n); err != nil {
		return nil, err
	}
	if len(shape.rels) == 0 {
		return nil, errors.AssertionFailedf("logical tree has no base relations")
	}
	return shape, nil
}

// collect flattens the subtree under n and returns the set of tables that
// are null-extended within it, so that filters collected above an outer
// join are not pushed below its null-extending side.
func (s *queryShape) collect(
	catalog *cat.Catalog, n *opt.Logical,
) (nullExtended map[opt.TableID]bool, _ error) {
	if n == nil {
		return nil, errors.AssertionFailedf("malformed logical tree: missing input")
	}
	switch n.Op {
	case opt.ScanOp:
		// Verify the reference up front so estimation never sees a
		// dangling table.
		if _, err := catalog.Table(n.Table); err != nil {
			return nil, err
		}
		if _, dup := s.relOfTable[n.Table]; dup {
			return nil, errors.AssertionFailedf("table %d scanned twice; self-joins need binder-assigned aliases", n.Table)
		}
		s.relOfTable[n.Table] = len(s.rels)
		s.rels = append(s.rels, baseRel{table: n.Table})
		return nil, nil

	case opt.SelectOp:
		nullExt, err := s.collect(catalog, n.Input)
		if err != nil {
			return nil, err
		}
		for _, conj := range flattenConjuncts(n.Filter) {
			if err := s.placeFilter(catalog, conj, nullExt); err != nil {
				return nil, err
			}
		}
		return nullExt, nil

	case opt.JoinOp:
		if n.Kind != opt.InnerJoin {
			s.reorderable = false
		}
		leftExt, err := s.collect(catalog, n.Input)
		if err != nil {
			return nil, err
		}
		rightExt, err := s.collect(catalog, n.Right)
		if err != nil {
			return nil, err
		}
		s.eqs = append(s.eqs, n.On...)
		nullExt := make(map[opt.TableID]bool)
		for t := range leftExt {
			nullExt[t] = true
		}
		for t := range rightExt {
			nullExt[t] = true
		}
		if n.Kind == opt.LeftOuterJoin {
			for _, t := range n.Right.Tables() {
				nullExt[t] = true
			}
		}
		return nullExt, nil

	default:
		return nil, errors.AssertionFailedf("unexpected operator %s below the join tree", n.Op)
	}
}

// placeFilter pushes a conjunct down to its base relation when it references
// a single table, per the WHERE-before-join evaluation order. Conjuncts that
// span tables, or that reference a null-extended table and so cannot be
// evaluated below the outer join, stay residual above the joins.
func (s *queryShape) placeFilter(
	catalog *cat.Catalog, conj *opt.ScalarExpr, nullExtended map[opt.TableID]bool,
) error {
	cols := conj.OuterCols()
	if len(cols) == 0 {
		return errors.AssertionFailedf("predicate references no columns: %s", conj)
	}
	rel := -1
	for _, col := range cols {
		tab, err := catalog.TableForColumn(col)
		if err != nil {
			return err
		}
		idx, ok := s.relOfTable[tab.ID]
		if !ok {
			return errors.AssertionFailedf("predicate references table outside the query: %s", conj)
		}
		if nullExtended[tab.ID] {
			s.residual = append(s.residual, conj)
			return nil
		}
		if rel == -1 {
			rel = idx
		} else if rel != idx {
			s.residual = append(s.residual, conj)
			return nil
		}
	}
	s.rels[rel].filters = append(s.rels[rel].filters, conj)
	return nil
}

// interestingOrders are sort orders usable by a later operator without an
// extra sort: join keys (for merge join), grouping keys (for stream
// aggregation), and the query's required output order.
func (s *queryShape) interestingOrders() []opt.Ordering {
	var orders []opt.Ordering
	seen := map[string]bool{}
	push := func(ord opt.Ordering) {
		if len(ord) == 0 || seen[ord.String()] {
			return
		}
		seen[ord.String()] = true
		orders = append(orders, ord)
	}
	for _, eq := range s.eqs {
		push(opt.Ordering{{Col: eq.LeftCol}})
		push(opt.Ordering{{Col: eq.RightCol}})
	}
	if s.groupBy != nil {
		push(groupOrdering(s.groupBy.GroupCols))
	}
	if s.sort != nil {
		push(s.sort.SortOrder)
	}
	return orders
}

// groupOrdering is the canonical ordering stream aggregation needs: the
// grouping columns ascending in column-ID order.
func groupOrdering(cols opt.ColSet) opt.Ordering {
	ord := make(opt.Ordering, len(cols))
	for i, c := range cols {
		ord[i] = opt.OrderingColumn{Col: c}
	}
	return ord
}

// flattenConjuncts splits top-level AND chains into a conjunct list.
func flattenConjuncts(e *opt.ScalarExpr) []*opt.ScalarExpr {
	if e == nil {
		return nil
	}
	if e.Op != opt.ScalarAndOp {
		return []*opt.ScalarExpr{e}
	}
	var out []*opt.ScalarExpr
	for _, c := range e.Children {
		out = append(out, flattenConjuncts(c)...)
	}
	return out
}

// combineConjuncts is the inverse of flattenConjuncts.
func combineConjuncts(conjs []*opt.ScalarExpr) *opt.ScalarExpr {
	switch len(conjs) {
	case 0:
		return nil
	case 1:
		return conjs[0]
	default:
		return opt.NewAnd(conjs...)
	}
}

// buildLeaves enumerates and costs the access paths of every base relation.
// Candidate chains are added to the arena serially; costing, which only
// writes to disjoint request-local nodes, runs in parallel across
// relations.
func (o *Optimizer) buildLeaves(ctx context.Context) error {
	n := len(o.shape.rels)
	chains := make([][][]memo.RelID, n)
	for i := range o.shape.rels {
		cs, err := o.buildLeafCandidates(i)
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			return errors.AssertionFailedf("no access path for table %d", o.shape.rels[i].table)
		}
		chains[i] = cs
	}

	o.leafSets = make([]*planSet, n)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range chains {
		i := i
		g.Go(func() error {
			set := newPlanSet()
			for _, chain := range chains[i] {
				for _, id := range chain {
					o.coster.CostNode(o.mem, id)
				}
				set.add(o.mem, chain[len(chain)-1], o.interesting)
			}
			o.leafSets[i] = set
			return nil
		})
	}
	return g.Wait()
}

// applyResidual wraps every retained join plan with the residual filter
// conjuncts that could not be pushed below the joins.
func (o *Optimizer) applyResidual(set *planSet) *planSet {
	return o.applyFilterSet(set, combineConjuncts(o.shape.residual))
}

// applyFilterSet wraps every retained plan in set with a filter node.
func (o *Optimizer) applyFilterSet(set *planSet, filter *opt.ScalarExpr) *planSet {
	if filter == nil {
		return set
	}
	out := newPlanSet()
	set.forEach(func(id memo.RelID) {
		child := o.mem.Node(id)
		f := memo.RelNode{
			Op:         opt.FilterOp,
			Left:       id,
			Filter:     filter,
			Provided:   child.Provided,
			Relational: o.sb.ApplyFilter(child.Relational, filter),
		}
		fid := o.mem.Add(f)
		o.coster.CostNode(o.mem, fid)
		out.add(o.mem, fid, o.interesting)
	})
	return out
}

// optimizeGroupBy places the aggregation: hash aggregation is always
// eligible; stream aggregation requires input sorted on the grouping key,
// either from a retained ordered plan or an explicit sort.
func (o *Optimizer) optimizeGroupBy(set *planSet, gb *opt.Logical) *planSet {
	out := newPlanSet()
	ord := groupOrdering(gb.GroupCols)

	addAgg := func(op opt.PhysicalOp, input memo.RelID, provided opt.Ordering) {
		if input == 0 || !o.budget.consider() {
			return
		}
		in := o.mem.Node(input)
		n := memo.RelNode{
			Op:         op,
			Left:       input,
			GroupCols:  gb.GroupCols,
			Aggs:       gb.Aggs,
			Provided:   provided,
			Relational: o.sb.BuildGroupBy(in.Relational, gb.GroupCols),
		}
		id := o.mem.Add(n)
		o.coster.CostNode(o.mem, id)
		out.add(o.mem, id, o.interesting)
	}

	addAgg(opt.HashAggregateOp, set.best, nil)

	if len(ord) > 0 {
		if sorted := set.forOrder(ord); sorted != 0 {
			addAgg(opt.StreamAggregateOp, sorted, ord)
		}
		// Sorting first can still win when the sort is cheap and the hash
		// table would be large.
		addAgg(opt.StreamAggregateOp, o.addSort(set.best, ord, 0), ord)
	}
	return out
}

// optimizeOrdering satisfies ORDER BY and TOP. A sort is elided entirely
// when a retained plan already produces the required order; otherwise a
// sort is inserted, bounded to the limit when a Top follows.
func (o *Optimizer) optimizeOrdering(set *planSet, sortNode, topNode *opt.Logical) *planSet {
	if sortNode == nil && topNode == nil {
		return set
	}

	var required opt.Ordering
	if sortNode != nil {
		required = sortNode.SortOrder
	}
	var limit int64
	if topNode != nil {
		limit = topNode.Limit
	}

	out := newPlanSet()
	addTop := func(input memo.RelID) {
		if input == 0 || !o.budget.consider() {
			return
		}
		in := o.mem.Node(input)
		if topNode == nil {
			out.add(o.mem, input, o.interesting)
			return
		}
		n := memo.RelNode{
			Op:         opt.PhysicalTopOp,
			Left:       input,
			SortOrder:  required,
			Limit:      limit,
			Provided:   in.Provided,
			Relational: o.sb.BuildTop(in.Relational, limit),
		}
		id := o.mem.Add(n)
		o.coster.CostNode(o.mem, id)
		out.add(o.mem, id, o.interesting)
	}

	if len(required) == 0 {
		addTop(set.best)
		return out
	}
	if ordered := set.forOrder(required); ordered != 0 {
		addTop(ordered)
	}
	if best := set.best; best != 0 && !o.mem.Node(best).Provided.Implies(required) {
		addTop(o.addSort(best, required, limit))
	} else if best != 0 && o.mem.Node(best).Provided.Implies(required) && set.forOrder(required) != best {
		addTop(best)
	}
	return out
}

// addSort inserts an explicit sort above input, bounded when limit > 0.
func (o *Optimizer) addSort(input memo.RelID, ord opt.Ordering, limit int64) memo.RelID {
	if input == 0 {
		return 0
	}
	in := o.mem.Node(input)
	n := memo.RelNode{
		Op:         opt.PhysicalSortOp,
		Left:       input,
		SortOrder:  ord,
		Limit:      limit,
		Provided:   ord,
		Relational: in.Relational,
	}
	id := o.mem.Add(n)
	o.coster.CostNode(o.mem, id)
	return id
}

// buildFallback assembles the always-constructible plan: table scans,
// left-deep nested-loop joins in binder order, hash aggregation, and an
// unbounded sort. It needs no indexes, no sorted inputs, and no statistics
// beyond row counts.
func (o *Optimizer) buildFallback() (memo.RelID, error) {
	shape := o.shape
	var cur memo.RelID
	var curStats props.Statistics

	for i := range shape.rels {
		rel := &shape.rels[i]
		scanStats, err := o.sb.BuildScan(rel.table)
		if err != nil {
			return 0, err
		}
		leaf := o.mem.Add(memo.RelNode{
			Op:         opt.TableScanOp,
			Table:      rel.table,
			Relational: scanStats,
		})
		o.coster.CostNode(o.mem, leaf)
		leafStats := scanStats
		if filter := combineConjuncts(rel.filters); filter != nil {
			leafStats = o.sb.ApplyFilter(scanStats, filter)
			fid := o.mem.Add(memo.RelNode{
				Op:         opt.FilterOp,
				Left:       leaf,
				Filter:     filter,
				Relational: leafStats,
			})
			o.coster.CostNode(o.mem, fid)
			leaf = fid
		}

		if cur == 0 {
			cur, curStats = leaf, leafStats
			continue
		}
		joined := o.sb.BuildJoin(curStats, leafStats, opt.InnerJoin, nil)
		jid := o.mem.Add(memo.RelNode{
			Op:         opt.NestedLoopJoinOp,
			Left:       cur,
			Right:      leaf,
			JoinKind:   opt.InnerJoin,
			On:         o.eqsBetweenTables(shape.rels[:i+1], rel.table),
			Relational: joined,
		})
		o.coster.CostNode(o.mem, jid)
		cur, curStats = jid, joined
	}

	if filter := combineConjuncts(shape.residual); filter != nil {
		curStats = o.sb.ApplyFilter(curStats, filter)
		fid := o.mem.Add(memo.RelNode{
			Op:         opt.FilterOp,
			Left:       cur,
			Filter:     filter,
			Relational: curStats,
		})
		o.coster.CostNode(o.mem, fid)
		cur = fid
	}
	if gb := shape.groupBy; gb != nil {
		curStats = o.sb.BuildGroupBy(curStats, gb.GroupCols)
		gid := o.mem.Add(memo.RelNode{
			Op:         opt.HashAggregateOp,
			Left:       cur,
			GroupCols:  gb.GroupCols,
			Aggs:       gb.Aggs,
			Relational: curStats,
		})
		o.coster.CostNode(o.mem, gid)
		cur = gid
	}
	if hv := shape.having; hv != nil && hv.Filter != nil {
		curStats = o.sb.ApplyFilter(curStats, hv.Filter)
		fid := o.mem.Add(memo.RelNode{
			Op:         opt.FilterOp,
			Left:       cur,
			Filter:     hv.Filter,
			Relational: curStats,
		})
		o.coster.CostNode(o.mem, fid)
		cur = fid
	}
	if shape.sort != nil {
		cur = o.addSort(cur, shape.sort.SortOrder, 0)
		curStats = o.mem.Node(cur).Relational
	}
	if top := shape.top; top != nil {
		tid := o.mem.Add(memo.RelNode{
			Op:         opt.PhysicalTopOp,
			Left:       cur,
			Limit:      top.Limit,
			Relational: o.sb.BuildTop(curStats, top.Limit),
		})
		o.coster.CostNode(o.mem, tid)
		cur = tid
	}
	return cur, nil
}
