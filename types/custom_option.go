// custom_option.go defines the free-form options passed to libav codecs.

package types

import (
	"slices"
)

type DictionaryItem struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type DictionaryItems []DictionaryItem

// Deduplicate keeps only the last value of every key, ordered by the
// position of that last value.
func (s DictionaryItems) Deduplicate() DictionaryItems {
	seen := map[string]struct{}{}
	var result DictionaryItems
	for idx := len(s) - 1; idx >= 0; idx-- {
		item := s[idx]
		if _, ok := seen[item.Key]; ok {
			continue
		}
		seen[item.Key] = struct{}{}
		result = append(result, item)
	}
	slices.Reverse(result)
	return result
}

// Get returns the last value of the key.
func (s DictionaryItems) Get(key string) (string, bool) {
	for idx := len(s) - 1; idx >= 0; idx-- {
		if s[idx].Key == key {
			return s[idx].Value, true
		}
	}
	return "", false
}
