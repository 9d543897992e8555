// Package filters carries filter state between requests as an opaque string
// and resolves it against a registry of filter definitions.
package filters

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry pairs a filter key with the raw value chosen for it.
type Entry struct {
	Key   string
	Value any
}

// Encode serializes entries, in order, as a list of single-key maps and
// returns it as unpadded base64url text.
func Encode(entries []Entry) (string, error) {
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{entry.Key: entry.Value})
	}

	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode filters: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Corrupt input or a payload that is not a list
// yields no entries.
func Decode(blob string) []Entry {
	blob = strings.TrimRight(strings.TrimSpace(blob), "=")
	if blob == "" {
		return nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil
	}
	list, ok := payload.([]any)
	if !ok {
		return nil
	}

	var entries []Entry
	for _, item := range list {
		entries = append(entries, entriesOf(item)...)
	}
	return entries
}

func entriesOf(item any) []Entry {
	switch m := item.(type) {
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, Entry{Key: k, Value: m[k]})
		}
		return entries
	case map[any]any:
		converted := make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				continue
			}
			converted[key] = v
		}
		return entriesOf(converted)
	default:
		return nil
	}
}
