package graph

import (
	"sort"

	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/types"
)

func (g *Graph) compatible(a, b types.BlockId) bool {
	if a == b {
		return false
	}
	_, conflict := g.gi[a][b]
	return !conflict
}

// maxCliques enumerates the maximal sets of mutually compatible blocks with
// Bron–Kerbosch and pivoting. Vertices are visited in id order and the result
// is sorted, so the output only depends on the set of blocks.
func (g *Graph) maxCliques(vertices []types.BlockId) [][]types.BlockId {
	if len(vertices) == 0 {
		return [][]types.BlockId{{}}
	}
	var out [][]types.BlockId

	filter := func(set []types.BlockId, v types.BlockId) []types.BlockId {
		res := make([]types.BlockId, 0, len(set))
		for _, u := range set {
			if g.compatible(u, v) {
				res = append(res, u)
			}
		}
		return res
	}

	var expand func(r, p, x []types.BlockId)
	expand = func(r, p, x []types.BlockId) {
		if len(p) == 0 {
			if len(x) == 0 {
				clique := append([]types.BlockId(nil), r...)
				sort.Slice(clique, func(i, j int) bool { return lessId(clique[i], clique[j]) })
				out = append(out, clique)
			}
			return
		}

		var pivot types.BlockId
		best := -1
		for _, candidates := range [][]types.BlockId{p, x} {
			for _, u := range candidates {
				if n := len(filter(p, u)); n > best {
					best, pivot = n, u
				}
			}
		}

		remaining := append([]types.BlockId(nil), p...)
		excluded := append([]types.BlockId(nil), x...)
		for _, v := range p {
			if g.compatible(pivot, v) {
				continue
			}
			next := make([]types.BlockId, len(r), len(r)+1)
			copy(next, r)
			expand(append(next, v), filter(remaining, v), filter(excluded, v))

			for i, u := range remaining {
				if u == v {
					remaining = append(remaining[:i:i], remaining[i+1:]...)
					break
				}
			}
			excluded = append(excluded, v)
		}
	}

	sorted := append([]types.BlockId(nil), vertices...)
	sort.Slice(sorted, func(i, j int) bool { return lessId(sorted[i], sorted[j]) })
	expand(nil, sorted, nil)

	sort.Slice(out, func(i, j int) bool { return lessIdList(out[i], out[j]) })
	return out
}

func (g *Graph) fitnessOf(ids []types.BlockId) uint64 {
	var total uint64
	for _, id := range ids {
		total += g.active[id].block.Fitness()
	}
	return total
}

// hashSum adds the ids as 256-bit integers, wrapping on overflow
func hashSum(ids []types.BlockId) *uint256.Int {
	sum := new(uint256.Int)
	for _, id := range ids {
		sum.Add(sum, new(uint256.Int).SetBytes32(id[:]))
	}
	return sum
}

// betterClique orders cliques by fitness, then by lowest hash sum, then by id list
func (g *Graph) betterClique(a, b []types.BlockId) bool {
	fa, fb := g.fitnessOf(a), g.fitnessOf(b)
	if fa != fb {
		return fa > fb
	}
	if c := hashSum(a).Cmp(hashSum(b)); c != 0 {
		return c < 0
	}
	return lessIdList(a, b)
}

func (g *Graph) computeCliques() {
	var vertices []types.BlockId
	for id, ab := range g.active {
		if !ab.isFinal {
			vertices = append(vertices, id)
		}
	}
	g.cliques = g.maxCliques(vertices)
	g.blockclique = 0
	for i := 1; i < len(g.cliques); i++ {
		if g.betterClique(g.cliques[i], g.cliques[g.blockclique]) {
			g.blockclique = i
		}
	}
}

// blockcliqueIds returns the non-final blockclique in slot order
func (g *Graph) blockcliqueIds() []types.BlockId {
	ids := append([]types.BlockId(nil), g.cliques[g.blockclique]...)
	sort.Slice(ids, func(i, j int) bool {
		return lessBlock(g.active[ids[i]].block, ids[i], g.active[ids[j]].block, ids[j])
	})
	return ids
}

func lessIdList(a, b []types.BlockId) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return lessId(a[i], b[i])
		}
	}
	return len(a) < len(b)
}
