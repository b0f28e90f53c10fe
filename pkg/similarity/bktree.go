package similarity

import "github.com/agnivade/levenshtein"

// bkNode is a node of a Burkhard-Keller tree keyed by integer edit distance.
type bkNode struct {
	name     string
	children map[int]*bkNode
}

func (n *bkNode) insert(name string) *bkNode {
	if n == nil {
		return &bkNode{name: name}
	}
	cur := n
	for {
		d := levenshtein.ComputeDistance(name, cur.name)
		if d == 0 {
			return n
		}
		if cur.children == nil {
			cur.children = make(map[int]*bkNode)
		}
		child, ok := cur.children[d]
		if !ok {
			cur.children[d] = &bkNode{name: name}
			return n
		}
		cur = child
	}
}

// search calls fn for every name within radius of query.
func (n *bkNode) search(query string, radius int, fn func(name string, dist int)) {
	if n == nil {
		return
	}
	stack := []*bkNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		d := levenshtein.ComputeDistance(query, cur.name)
		if d <= radius {
			fn(cur.name, d)
		}
		for dist, child := range cur.children {
			if dist >= d-radius && dist <= d+radius {
				stack = append(stack, child)
			}
		}
	}
}
