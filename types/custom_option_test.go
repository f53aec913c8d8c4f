package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCustomOptionsDeduplicate(t *testing.T) {
	require.Equal(
		t,
		DictionaryItems{
			{Key: "b", Value: "0"},
			{Key: "a", Value: "1"},
		},
		DictionaryItems{
			{Key: "a", Value: "0"},
			{Key: "b", Value: "0"},
			{Key: "a", Value: "1"},
		}.Deduplicate(),
	)
	require.Nil(t, DictionaryItems(nil).Deduplicate())
}

func TestCustomOptionsGet(t *testing.T) {
	items := DictionaryItems{
		{Key: "preset", Value: "fast"},
		{Key: "preset", Value: "slow"},
	}
	v, ok := items.Get("preset")
	require.True(t, ok)
	require.Equal(t, "slow", v)
	_, ok = items.Get("tune")
	require.False(t, ok)
}
