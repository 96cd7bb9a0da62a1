package variable

import (
	"testing"

	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	eng := newEngine(t)
	names := []string{"i32", "label", "flag"}

	p, err := Collect(eng, len(names), func(e engine.Engine, i int) engine.Handle { return e.Variable(names[i]) })
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 3, p.Len())
	assert.True(t, p.Has("label"))
	assert.False(t, p.Has("nope"))

	v, err := p.Get("flag")
	require.NoError(t, err)
	assert.Equal(t, "flag", v.Name())

	_, err = p.Get("nope")
	assert.ErrorIs(t, err, sdkerr.ErrNotFound)

	var order []string
	for _, v := range p.All() {
		order = append(order, v.Name())
	}
	assert.Equal(t, names, order)
}

func TestCollectFailure(t *testing.T) {
	eng := newEngine(t)
	_, err := Collect(eng, 2, func(e engine.Engine, i int) engine.Handle {
		if i == 1 {
			return engine.InvalidHandle
		}
		return e.Variable("i32")
	})
	assert.ErrorIs(t, err, sdkerr.ErrNotFound)
}
