package config

// isSensitiveKey reports whether key is a leaf name the codec treats as
// secret-shaped
// (spec §3 "Local config document").
func isSensitiveKey(key string) bool {
	return key == "password" || key == "secret"
}

// encryptTree walks the document and returns a new tree with every plain
// string leaf under a sensitive key replaced by {"encrypted": <bytes>}.
// Returning a new tree (rather than mutating in place, as the original
// Python implementation does) is the re-architecture spec.md §9 calls
// for; changed reports whether any leaf was actually rewritten.
func encryptTree(node any) (any, bool, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		changed := false
		for k, val := range v {
			if isSensitiveKey(k) {
				if s, ok := val.(string); ok {
					sealed, err := encryptLeaf(s)
					if err != nil {
						return nil, false, err
					}
					out[k] = map[string]any{"encrypted": string(sealed)}
					changed = true
					continue
				}
			}
			newVal, sub, err := encryptTree(val)
			if err != nil {
				return nil, false, err
			}
			out[k] = newVal
			changed = changed || sub
		}
		return out, changed, nil

	case []any:
		out := make([]any, len(v))
		changed := false
		for i, item := range v {
			newItem, sub, err := encryptTree(item)
			if err != nil {
				return nil, false, err
			}
			out[i] = newItem
			changed = changed || sub
		}
		return out, changed, nil

	default:
		return v, false, nil
	}
}

// decryptTree walks the document and returns a new tree with every
// {"encrypted": <bytes>} leaf under a sensitive key replaced by its
// decrypted plain string.
func decryptTree(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if isSensitiveKey(k) {
				if m, ok := val.(map[string]any); ok {
					if raw, ok := extractEncryptedBytes(m["encrypted"]); ok {
						plain, err := decryptLeaf(raw)
						if err != nil {
							return nil, err
						}
						out[k] = plain
						continue
					}
				}
			}
			newVal, err := decryptTree(val)
			if err != nil {
				return nil, err
			}
			out[k] = newVal
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			newItem, err := decryptTree(item)
			if err != nil {
				return nil, err
			}
			out[i] = newItem
		}
		return out, nil

	default:
		return v, nil
	}
}

// extractEncryptedBytes accepts the sealed value as a string (how
// encryptTree stores it, and how yaml.v3 decodes a !!binary scalar) or as
// []byte.
func extractEncryptedBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}
