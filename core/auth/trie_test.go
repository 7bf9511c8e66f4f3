package auth

import (
	"testing"
)

func TestRuleTrie_MostSpecificWins(t *testing.T) {
	trie := newRuleTrie([]Rule{
		{Node: "*", Allow: false},
		{Node: "guild.*", Allow: true},
		{Node: "guild.manage.*", Allow: false},
		{Node: "guild.manage.roles", Allow: true},
	})
	if trie.len() != 4 {
		t.Fatalf("trie size = %d, want 4", trie.len())
	}

	tests := []struct {
		node      string
		wantAllow bool
		wantRule  Node
	}{
		{"guild.manage.roles", true, "guild.manage.roles"},
		{"guild.manage.channels", false, "guild.manage.*"},
		{"guild.info", true, "guild.*"},
		{"other.thing", false, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			m, ok := trie.lookup(MustNode(tt.node).Segments())
			if !ok {
				t.Fatalf("no match for %s", tt.node)
			}
			if m.rule.Allow != tt.wantAllow || m.rule.Node != tt.wantRule {
				t.Fatalf("lookup(%s) = %+v, want allow=%v rule=%s", tt.node, m.rule, tt.wantAllow, tt.wantRule)
			}
		})
	}
}

func TestRuleTrie_EqualSpecificityDenyWins(t *testing.T) {
	// "a.b" and "a.b.*" both have two concrete segments.
	trie := newRuleTrie([]Rule{
		{Node: "a.b", Allow: true},
		{Node: "a.b.*", Allow: false},
	})
	m, ok := trie.lookup([]string{"a", "b"})
	if !ok || m.rule.Allow {
		t.Fatalf("expected deny at equal specificity, got %+v (ok=%v)", m, ok)
	}
}

func TestRuleTrie_DuplicatePatternKeepsDeny(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		segs  []string
	}{
		{"exact deny first", []Rule{{Node: "a.b", Allow: false}, {Node: "a.b", Allow: true}}, []string{"a", "b"}},
		{"exact allow first", []Rule{{Node: "a.b", Allow: true}, {Node: "a.b", Allow: false}}, []string{"a", "b"}},
		{"wildcard deny first", []Rule{{Node: "a.*", Allow: false}, {Node: "a.*", Allow: true}}, []string{"a", "c"}},
		{"wildcard allow first", []Rule{{Node: "a.*", Allow: true}, {Node: "a.*", Allow: false}}, []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trie := newRuleTrie(tt.rules)
			if trie.len() != 1 {
				t.Fatalf("trie size = %d, want 1", trie.len())
			}
			m, ok := trie.lookup(tt.segs)
			if !ok || m.rule.Allow {
				t.Fatalf("lookup = %+v (ok=%v), want deny", m, ok)
			}
		})
	}
}

func TestRuleTrie_NoMatch(t *testing.T) {
	trie := newRuleTrie([]Rule{{Node: "a.b.c", Allow: true}})
	if _, ok := trie.lookup([]string{"a", "b"}); ok {
		t.Fatal("exact rule must not match its parent")
	}
	if _, ok := trie.lookup([]string{"a", "b", "c", "d"}); ok {
		t.Fatal("exact rule must not match a child")
	}
}

// The trie must agree with the linear Match definition for every rule set.
func TestRuleTrie_AgreesWithMatch(t *testing.T) {
	rules := []Rule{
		{Node: "x.*", Allow: true},
		{Node: "x.y", Allow: false},
		{Node: "x.y.*", Allow: true},
		{Node: "x.y.z", Allow: true},
		{Node: "q", Allow: true},
	}
	trie := newRuleTrie(rules)
	for _, node := range []string{"x", "x.y", "x.y.z", "x.y.w", "x.a.b", "q", "q.r", "z"} {
		n := MustNode(node)
		var want *Rule
		wantScore := -1
		for i := range rules {
			score, ok := Match(rules[i].Node, n)
			if !ok {
				continue
			}
			if score > wantScore || (score == wantScore && !rules[i].Allow) {
				want, wantScore = &rules[i], score
			}
		}
		got, ok := trie.lookup(n.Segments())
		if (want != nil) != ok {
			t.Fatalf("%s: trie ok=%v, linear found=%v", node, ok, want != nil)
		}
		if ok && (got.rule != *want || got.specificity != wantScore) {
			t.Fatalf("%s: trie=%+v/%d linear=%+v/%d", node, got.rule, got.specificity, *want, wantScore)
		}
	}
}
