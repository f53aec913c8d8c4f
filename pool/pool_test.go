package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type buffer struct {
	data []byte
}

func TestPoolResetsOnPut(t *testing.T) {
	p := NewPool(
		func() *buffer { return &buffer{data: make([]byte, 0, 16)} },
		func(b *buffer) { b.data = b.data[:0] },
	)
	b := p.Get()
	b.data = append(b.data, 1, 2, 3)
	p.Put(b, nil)
	require.Len(t, b.data, 0)
	require.Equal(t, uint64(1), p.Gets())
	require.GreaterOrEqual(t, p.Allocations(), uint64(1))
}
