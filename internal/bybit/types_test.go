package bybit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryLinear.Valid())
	assert.True(t, CategoryInverse.Valid())
	assert.False(t, Category("spot").Valid())
	assert.False(t, Category("").Valid())
}

func TestGuessCategory(t *testing.T) {
	assert.Equal(t, CategoryLinear, GuessCategory("BTCUSDT"))
	assert.Equal(t, CategoryLinear, GuessCategory("1000PEPEUSDT"))
	assert.Equal(t, CategoryInverse, GuessCategory("BTCUSD"))
	assert.Equal(t, CategoryInverse, GuessCategory("ETHUSDH26"))
}
