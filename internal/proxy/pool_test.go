package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEmptyPoolMeansDirect(t *testing.T) {
	p := NewPool(nil, zap.NewNop())
	assert.Equal(t, "", p.Acquire())
}

func TestLeastLoadedWins(t *testing.T) {
	p := NewPool([]string{"http://a:8080", "http://b:8080"}, zap.NewNop())

	first := p.Acquire()
	second := p.Acquire()
	assert.NotEqual(t, first, second, "two acquisitions must spread across an idle pool")

	p.Acquire()
	assert.Equal(t, 3, p.Load(first)+p.Load(second))
}

func TestReleaseFreesSlot(t *testing.T) {
	p := NewPool([]string{"http://a:8080", "http://b:8080"}, zap.NewNop())

	a := p.Acquire()
	b := p.Acquire()
	p.Release(a)

	// a is now idle again and must win the next assignment.
	assert.Equal(t, a, p.Acquire())
	assert.Equal(t, 1, p.Load(b))
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p := NewPool([]string{"http://a:8080"}, zap.NewNop())
	p.Release("")
	p.Release("http://stranger:1")
	assert.Equal(t, 0, p.Load("http://a:8080"))
}
