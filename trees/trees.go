// Package trees implements a tree of named values, used to hold model
// parameter sets: leaves are tensors, inner nodes are the dot-separated
// components of parameter names ("input_adapters.rgb.pos_emb").
//
// It mirrors the nested-dictionary layout checkpoints are stored in, while
// the flat dotted view is what the checkpoint adapter matches against.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

// IsLeaf reports whether the node holds a value as opposed to children.
func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node of the structure. T is the type of the leaves.
type Tree[T any] struct {
	Root *Node[T] // The root node is always a map.
}

// Path is the sequence of name components from the root to a node.
type Path []string

// Separator joins Path components into dotted parameter names.
const Separator = "."

// SplitPath converts a dotted parameter name into a Path.
func SplitPath(name string) Path {
	if name == "" {
		return nil
	}
	return strings.Split(name, Separator)
}

// Join converts the path back to a dotted parameter name.
func (p Path) Join() string { return strings.Join(p, Separator) }

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Root: newMapNode[T]()}
}

func newMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// Set the value at treePath, creating intermediary nodes where needed.
// Empty path components are skipped.
//
// It returns an error when the path crosses or lands on a node of the
// opposite kind: nodes are either leaves or maps, never both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	if len(treePath) == 0 {
		return errors.Errorf("trees.Tree.Set() requires a non-empty path")
	}
	node := tree.Root
	for ii, pathElement := range treePath {
		if pathElement == "" {
			continue
		}
		if node.IsLeaf() {
			return errors.Errorf("trees.Tree.Set(%q): path crosses the existing leaf node %q",
				treePath.Join(), treePath[:ii].Join())
		}
		next := node.Map[pathElement]
		if next == nil {
			if ii == len(treePath)-1 {
				next = &Node[T]{Value: value}
			} else {
				next = newMapNode[T]()
			}
			node.Map[pathElement] = next
		}
		node = next
	}
	if !node.IsLeaf() {
		return errors.Errorf("trees.Tree.Set(%q): node is a map, not a leaf", treePath.Join())
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath, or false when the path does not
// lead to a leaf.
func (tree *Tree[T]) Get(treePath Path) (value T, found bool) {
	node := tree.Root
	for _, pathElement := range treePath {
		if pathElement == "" {
			continue
		}
		if node.IsLeaf() {
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			return
		}
	}
	if node == nil || !node.IsLeaf() {
		return
	}
	return node.Value, true
}

// Leaves iterates over all leaf nodes in undefined order.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// OrderedLeaves iterates over all leaf nodes depth-first, children visited
// in alphabetical order.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
		return true
	}
	for key, subNode := range node.Map {
		if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
			return false
		}
	}
	return true
}

// NumLeaves returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn on every leaf.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		if err := tree2.Set(p, mapFn(p, t1)); err != nil {
			// Duplicating the structure of a valid tree cannot fail.
			panic(err)
		}
	}
	return tree2
}

// FromFlat builds a tree from a map of dotted parameter names to values.
func FromFlat[T any](flat map[string]T) (*Tree[T], error) {
	tree := New[T]()
	for _, name := range xslices.SortedKeys(flat) {
		if err := tree.Set(SplitPath(name), flat[name]); err != nil {
			return nil, errors.WithMessagef(err, "building tree from flat map, key %q", name)
		}
	}
	return tree, nil
}

// Flatten returns the map of dotted parameter names to leaf values.
func (tree *Tree[T]) Flatten() map[string]T {
	flat := make(map[string]T, tree.NumLeaves())
	for p, v := range tree.Leaves() {
		flat[p.Join()] = v
	}
	return flat
}

// String implements fmt.Stringer, printing one leaf per line in order.
func (tree *Tree[T]) String() string {
	var sb strings.Builder
	for p, v := range tree.OrderedLeaves() {
		var valueAny any = v
		if stringer, ok := valueAny.(fmt.Stringer); ok {
			_, _ = fmt.Fprintf(&sb, "%s: %s\n", p.Join(), stringer)
		} else {
			_, _ = fmt.Fprintf(&sb, "%s: %v\n", p.Join(), v)
		}
	}
	return sb.String()
}
