package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstall_NotAFunction(t *testing.T) {
	t.Run("first arg not a function", func(t *testing.T) {
		_, err := Install("not a function", b)
		assert.ErrorIs(t, err, ErrNotFunc)
		assert.Contains(t, err.Error(), "not a function")
	})

	t.Run("second arg not a function", func(t *testing.T) {
		_, err := Install(a, 42)
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("both args not functions", func(t *testing.T) {
		_, err := Install([]int{1, 2, 3}, map[string]int{})
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("nil first arg", func(t *testing.T) {
		_, err := Install(nil, b)
		assert.Error(t, err)
	})

	t.Run("nil second arg", func(t *testing.T) {
		_, err := Install(a, nil)
		assert.Error(t, err)
	})

	t.Run("nil func", func(t *testing.T) {
		var fn func() string
		_, err := Install(a, fn)
		assert.ErrorIs(t, err, ErrNotFunc)
	})
}

func TestInstall_SignatureMismatch(t *testing.T) {
	t.Run("different number of inputs", func(t *testing.T) {
		fn1 := func(x int) int { return x }
		fn2 := func(x, y int) int { return x + y }
		_, err := Install(fn1, fn2)
		assert.ErrorIs(t, err, ErrSignature)
		assert.Contains(t, err.Error(), "signatures do not match")
		assert.Contains(t, err.Error(), "argument 1")
	})

	t.Run("different number of outputs", func(t *testing.T) {
		fn1 := func() int { return 1 }
		fn2 := func() (int, error) { return 1, nil }
		_, err := Install(fn1, fn2)
		assert.ErrorIs(t, err, ErrSignature)
		assert.Contains(t, err.Error(), "output 1")
	})

	t.Run("different input types", func(t *testing.T) {
		fn1 := func(x int) int { return x }
		fn2 := func(x string) int { return len(x) }
		_, err := Install(fn1, fn2)
		assert.ErrorIs(t, err, ErrSignature)
		assert.Contains(t, err.Error(), "argument 0")
	})

	t.Run("different output types", func(t *testing.T) {
		fn1 := func() int { return 1 }
		fn2 := func() string { return "1" }
		_, err := Install(fn1, fn2)
		assert.ErrorIs(t, err, ErrSignature)
	})

	t.Run("variadic", func(t *testing.T) {
		fn1 := func(x ...int) int { return len(x) }
		fn2 := func(x []int) int { return len(x) }
		_, err := Install(fn1, fn2)
		assert.ErrorIs(t, err, ErrSignature)
	})
}

func TestDiffFuncs(t *testing.T) {
	assert := assert.New(t)

	same := diffFuncs(typeOf(func(int) string { return "" }), typeOf(func(int) string { return "" }))
	assert.True(same.empty())
	assert.NoError(same.Error())

	diff := diffFuncs(typeOf(func(int, bool) {}), typeOf(func(string) error { return nil }))
	assert.False(diff.empty())
	if assert.Len(diff.In, 2) {
		assert.NotNil(diff.In[0])
		assert.Nil(diff.In[1].B)
	}
	if assert.Len(diff.Out, 1) {
		assert.Nil(diff.Out[0].A)
	}
}

func TestOriginal_NotPatched(t *testing.T) {
	fn := func() int { return 7 }
	assert.Equal(t, 7, Original(fn)())
}

func TestRestore_NotAFunction(t *testing.T) {
	assert.ErrorIs(t, Restore(12), ErrNotFunc)
}
