// Key enumeration.
package sectordb

import "fmt"

// Keys returns every key in the tree, in ascending order.
func (t *Tree) Keys() ([][]byte, error) {
	var keys [][]byte
	err := t.ForEach(func(key, _ []byte) (bool, error) {
		keys = append(keys, append([]byte{}, key...))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return keys, nil
}
