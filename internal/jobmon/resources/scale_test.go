package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumberScale_CeilsUp(t *testing.T) {
	s := NumberScale(0.5)
	assert.Equal(t, 15.0, s.Apply(10))
	assert.Equal(t, 2.0, s.Apply(1))
}

func TestFuncScale_AppliesCallable(t *testing.T) {
	s := FuncScale(func(old float64) float64 { return old * 2 })
	assert.Equal(t, 20.0, s.Apply(10))
}

func TestIteratorScale_AdvancesUntilExhausted(t *testing.T) {
	values := []float64{4, 8, 16}
	i := 0
	s := IteratorScale(func() (float64, bool) {
		if i >= len(values) {
			return 0, false
		}
		v := values[i]
		i++
		return v, true
	})
	assert.Equal(t, 4.0, s.Apply(1))
	assert.Equal(t, 8.0, s.Apply(1))
	assert.Equal(t, 16.0, s.Apply(1))
	// exhausted: keeps prior value passed in rather than erroring
	assert.Equal(t, 99.0, s.Apply(99))
}
