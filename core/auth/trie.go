package auth

// ruleTrie indexes rules by path segment so a lookup walks at most one branch,
// collecting every wildcard terminal on the way down and the exact terminal at the end.
// A ruleTrie is built once and never mutated afterwards.
type ruleTrie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[string]*trieNode
	exact    *Rule // pattern ending at this node
	wildcard *Rule // pattern "<this node>.*"
}

// match is the outcome of a trie lookup.
type match struct {
	rule        Rule
	specificity int
}

func newRuleTrie(rules []Rule) *ruleTrie {
	t := &ruleTrie{root: &trieNode{}}
	for _, r := range rules {
		t.insert(r)
	}
	return t
}

func (t *ruleTrie) insert(r Rule) {
	node := t.root
	for _, seg := range r.Node.Concrete() {
		if node.children == nil {
			node.children = make(map[string]*trieNode)
		}
		child, ok := node.children[seg]
		if !ok {
			child = &trieNode{}
			node.children[seg] = child
		}
		node = child
	}
	rule := r
	slot := &node.exact
	if r.Node.IsWildcard() {
		slot = &node.wildcard
	}
	if *slot == nil {
		t.size++
		*slot = &rule
		return
	}
	// Duplicate pattern: a deny is never replaced by an allow.
	if !r.Allow {
		*slot = &rule
	}
}

// lookup returns the most specific rule covering segs. At equal specificity a deny
// outranks an allow.
func (t *ruleTrie) lookup(segs []string) (match, bool) {
	var best match
	found := false
	consider := func(r *Rule, score int) {
		if r == nil {
			return
		}
		if !found || score > best.specificity || (score == best.specificity && !r.Allow) {
			best = match{rule: *r, specificity: score}
			found = true
		}
	}

	node := t.root
	for depth := 0; ; depth++ {
		consider(node.wildcard, depth)
		if depth == len(segs) {
			consider(node.exact, depth)
			break
		}
		next, ok := node.children[segs[depth]]
		if !ok {
			break
		}
		node = next
	}
	return best, found
}

func (t *ruleTrie) len() int { return t.size }
