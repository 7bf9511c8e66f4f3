package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Wildcard is the trailing segment matching a node and everything below it.
const Wildcard = "*"

// segmentPattern allows only safe characters in node segments.
var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrInvalidNode is wrapped by ParseNode failures.
var ErrInvalidNode = errors.New("invalid permission node")

// Node is a dot-separated permission path, optionally ending in Wildcard.
type Node string

// ParseNode validates s: non-empty segments of [a-zA-Z0-9_-], with "*" allowed
// only as the final segment.
func ParseNode(s string) (Node, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNode)
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == Wildcard {
			if i != len(segs)-1 {
				return "", fmt.Errorf("%w: %q: wildcard must be the last segment", ErrInvalidNode, s)
			}
			continue
		}
		if !segmentPattern.MatchString(seg) {
			return "", fmt.Errorf("%w: %q: bad segment %q", ErrInvalidNode, s, seg)
		}
	}
	return Node(s), nil
}

// MustNode is ParseNode for constants; it panics on invalid input.
func MustNode(s string) Node {
	n, err := ParseNode(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Segments splits the node on dots.
func (n Node) Segments() []string {
	if n == "" {
		return nil
	}
	return strings.Split(string(n), ".")
}

// IsWildcard reports whether the node ends in Wildcard.
func (n Node) IsWildcard() bool {
	return n == Wildcard || strings.HasSuffix(string(n), "."+Wildcard)
}

// Concrete returns the segments before any trailing wildcard.
func (n Node) Concrete() []string {
	segs := n.Segments()
	if n.IsWildcard() {
		return segs[:len(segs)-1]
	}
	return segs
}

// Specificity is the number of concrete segments.
func (n Node) Specificity() int {
	return len(n.Concrete())
}

func (n Node) String() string { return string(n) }

// Match reports whether pattern covers node and, if so, the pattern's specificity.
// A wildcard pattern covers its own prefix and any deeper node; anything else
// requires segment-for-segment equality.
func Match(pattern, node Node) (int, bool) {
	want := pattern.Concrete()
	got := node.Segments()
	if pattern.IsWildcard() {
		if len(got) < len(want) {
			return 0, false
		}
	} else if len(got) != len(want) {
		return 0, false
	}
	for i, seg := range want {
		if got[i] != seg {
			return 0, false
		}
	}
	return len(want), true
}
