package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DecodeCourses decodes a snapshot's children keyed by push id.
func DecodeCourses(children map[string]json.RawMessage) ([]Course, error) {
	return decodeChildren(children, func(c *Course, id string) { c.ID = id })
}

// DecodeDocuments decodes a snapshot's children keyed by push id.
func DecodeDocuments(children map[string]json.RawMessage) ([]Document, error) {
	return decodeChildren(children, func(d *Document, id string) { d.ID = id })
}

// EncodeChildren keys each item by id for a snapshot payload.
func EncodeChildren[T any](items []T, id func(T) string) (map[string]json.RawMessage, error) {
	children := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode child %s: %w", id(item), err)
		}
		children[id(item)] = raw
	}
	return children, nil
}

// decodeChildren decodes children in key order so failures are reported deterministically.
func decodeChildren[T any](children map[string]json.RawMessage, setID func(*T, string)) ([]T, error) {
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]T, 0, len(children))
	for _, key := range keys {
		var item T
		if err := json.Unmarshal(children[key], &item); err != nil {
			return nil, fmt.Errorf("decode child %s: %w", key, err)
		}
		setID(&item, key)
		items = append(items, item)
	}
	return items, nil
}
