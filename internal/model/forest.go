// Package model loads serialized random-forest decision models and
// evaluates them. The edge node never trains; it consumes models
// produced upstream and uses their output as advisory setpoints.
package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ForestKind selects how individual tree outputs are aggregated.
type ForestKind uint16

const (
	// Regressor forests average the tree outputs.
	Regressor ForestKind = 0
	// Classifier forests take the most frequent tree output.
	Classifier ForestKind = 1
)

const (
	nodeTagLeaf  = 0
	nodeTagSplit = 1

	// maxTreeDepth bounds decode recursion so a corrupt model cannot
	// exhaust the stack.
	maxTreeDepth = 64
)

// ErrEmptyForest is returned when a decoded model contains no trees.
var ErrEmptyForest = errors.New("model: forest has no trees")

// node is one decision-tree node: either a leaf holding a value or a
// split routing on a single feature column.
type node struct {
	leaf  bool
	value float64 // leaf output, or split threshold
	col   uint16
	left  *node
	right *node
}

func (n *node) predict(xs []float64) float64 {
	for !n.leaf {
		if int(n.col) < len(xs) && xs[n.col] < n.value {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

// Forest is a decoded random-forest model.
type Forest struct {
	kind  ForestKind
	trees []*node
}

// Kind returns how the forest aggregates tree outputs.
func (f *Forest) Kind() ForestKind {
	return f.kind
}

// Trees returns the number of trees in the forest.
func (f *Forest) Trees() int {
	return len(f.trees)
}

// Predict evaluates every tree on the feature vector and aggregates
// per the forest kind. It satisfies the analyzer's Predictor contract.
func (f *Forest) Predict(features []float64) (float64, error) {
	if len(f.trees) == 0 {
		return 0, ErrEmptyForest
	}

	outputs := make([]float64, len(f.trees))
	for i, tree := range f.trees {
		outputs[i] = tree.predict(features)
	}

	switch f.kind {
	case Classifier:
		return mostFrequent(outputs), nil
	default:
		return mean(outputs), nil
	}
}

func mean(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

// mostFrequent returns the modal value; ties resolve to the smaller
// value so classification is deterministic.
func mostFrequent(xs []float64) float64 {
	counts := make(map[float64]int, len(xs))
	for _, x := range xs {
		counts[x]++
	}

	best := math.Inf(1)
	bestCount := 0
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best = v
			bestCount = c
		}
	}
	return best
}

// Decode reads a serialized forest: a big-endian u16 kind, a u16 tree
// count, then each tree as a preorder node stream. Leaf nodes are a
// zero tag followed by a float64 value; split nodes are a one tag, a
// u16 feature column, a float64 threshold, then the left and right
// subtrees.
func Decode(r io.Reader) (*Forest, error) {
	var kind, count uint16
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, fmt.Errorf("read forest kind: %w", err)
	}
	if kind != uint16(Regressor) && kind != uint16(Classifier) {
		return nil, fmt.Errorf("unknown forest kind %d", kind)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read tree count: %w", err)
	}

	trees := make([]*node, 0, count)
	for i := 0; i < int(count); i++ {
		tree, err := decodeNode(r, 0)
		if err != nil {
			return nil, fmt.Errorf("decode tree %d: %w", i, err)
		}
		trees = append(trees, tree)
	}

	return &Forest{kind: ForestKind(kind), trees: trees}, nil
}

func decodeNode(r io.Reader, depth int) (*node, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("tree deeper than %d levels", maxTreeDepth)
	}

	var tag uint8
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, fmt.Errorf("read node tag: %w", err)
	}

	switch tag {
	case nodeTagLeaf:
		var value float64
		if err := binary.Read(r, binary.BigEndian, &value); err != nil {
			return nil, fmt.Errorf("read leaf value: %w", err)
		}
		return &node{leaf: true, value: value}, nil

	case nodeTagSplit:
		var col uint16
		var value float64
		if err := binary.Read(r, binary.BigEndian, &col); err != nil {
			return nil, fmt.Errorf("read split column: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &value); err != nil {
			return nil, fmt.Errorf("read split value: %w", err)
		}
		left, err := decodeNode(r, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := decodeNode(r, depth+1)
		if err != nil {
			return nil, err
		}
		return &node{value: value, col: col, left: left, right: right}, nil

	default:
		return nil, fmt.Errorf("unknown node tag %d", tag)
	}
}

// LoadFile decodes a forest from a model file on disk.
func LoadFile(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
