package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeArgsHash_StableAcrossMapOrder(t *testing.T) {
	a := NodeArgsHash(map[string]string{"b": "2", "a": "1"})
	b := NodeArgsHash(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
}

func TestNodeArgsHash_DiffersOnContent(t *testing.T) {
	a := NodeArgsHash(map[string]string{"a": "1"})
	b := NodeArgsHash(map[string]string{"a": "2"})
	assert.NotEqual(t, a, b)
}

func TestDetectCycle_NoCycle(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("a", "c")
	assert.NoError(t, g.DetectCycle())
}

func TestDetectCycle_DirectCycle(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")
	err := g.DetectCycle()
	assert.ErrorIs(t, err, ErrCyclic)
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	g := New()
	g.AddEdge("a", "a")
	err := g.DetectCycle()
	assert.ErrorIs(t, err, ErrCyclic)
}

func TestDetectCycle_DisconnectedComponents(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("x", "y")
	g.AddEdge("y", "x")
	err := g.DetectCycle()
	assert.ErrorIs(t, err, ErrCyclic)
}
