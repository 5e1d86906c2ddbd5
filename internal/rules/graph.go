package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
)

// CycleWarning reports steps that can execute repeatedly through goto
// targets. Cycles may be intentional, such as polling a field until it
// changes, so they are warnings.
type CycleWarning struct {
	RuleID  string `json:"ruleId"`
	Path    []int  `json:"path"`
	Message string `json:"message"`
}

// stepGraph maps each step index to the indexes that can run after it.
// EndOfRun and stepping past the last step have no node.
type stepGraph [][]int

func buildStepGraph(steps []model.Step) stepGraph {
	g := make(stepGraph, len(steps))
	edge := func(from, to int) {
		if to >= 0 && to < len(steps) {
			g[from] = append(g[from], to)
		}
	}
	for i, step := range steps {
		b, ok := step.Action.(model.Branch)
		if !ok {
			edge(i, i+1)
			continue
		}
		for _, target := range []*int{b.OnTrueGoToStep, b.OnFalseGoToStep} {
			if target == nil {
				edge(i, i+1)
			} else {
				edge(i, *target)
			}
		}
	}
	return g
}

// AnalyzeCycles finds the strongly connected components of the rule's
// step graph and reports each one that forms a loop. Steps must be
// sorted.
func AnalyzeCycles(rule model.AutomationRule) []CycleWarning {
	g := buildStepGraph(rule.Steps)
	var out []CycleWarning
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 && !g.hasEdge(scc[0], scc[0]) {
			continue
		}
		path := cyclePath(scc, g)
		parts := make([]string, len(path))
		for i, p := range path {
			parts[i] = strconv.Itoa(p)
		}
		out = append(out, CycleWarning{
			RuleID:  rule.ID,
			Path:    path,
			Message: fmt.Sprintf("steps can repeat: %s", strings.Join(parts, " -> ")),
		})
	}
	return out
}

func (g stepGraph) hasEdge(from, to int) bool {
	for _, n := range g[from] {
		if n == to {
			return true
		}
	}
	return false
}

// tarjanSCC returns the strongly connected components of g. Nodes are
// visited in index order so the result is deterministic.
func tarjanSCC(g stepGraph) [][]int {
	var (
		index   int
		stack   []int
		indices = make([]int, len(g))
		lowlink = make([]int, len(g))
		onStack = make([]bool, len(g))
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var connect func(v int)
	connect = func(v int) {
		indices[v], lowlink[v] = index, index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if indices[w] < 0 {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range g {
		if indices[v] < 0 {
			connect(v)
		}
	}
	return sccs
}

// cyclePath walks the component from its lowest index back to itself.
func cyclePath(scc []int, g stepGraph) []int {
	in := make(map[int]bool, len(scc))
	start := scc[0]
	for _, n := range scc {
		in[n] = true
		start = min(start, n)
	}

	path := []int{start}
	visited := map[int]bool{start: true}
	for cur := start; ; {
		next := -1
		for _, n := range g[cur] {
			if n == start || (in[n] && !visited[n]) {
				next = n
				if n == start {
					break
				}
			}
		}
		if next < 0 {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		cur = next
	}
}
