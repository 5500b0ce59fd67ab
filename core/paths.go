package core

import "strings"

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$.")
	path = strings.Trim(path, ".")
	return path
}

func lookupPathValue(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	normalized := normalizePath(path)
	if normalized == "" {
		return nil, false
	}
	current := any(root)
	for _, part := range strings.Split(normalized, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, exists := asMap[part]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}

func setPathValue(root map[string]any, path string, value any) {
	if root == nil {
		return
	}
	normalized := normalizePath(path)
	if normalized == "" {
		return
	}
	parts := strings.Split(normalized, ".")
	current := root
	for idx, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return
		}
		if idx == len(parts)-1 {
			current[part] = value
			return
		}
		next, exists := current[part]
		if !exists {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			child = make(map[string]any)
			current[part] = child
		}
		current = child
	}
}

func deletePathValue(root map[string]any, path string) {
	normalized := normalizePath(path)
	if root == nil || normalized == "" {
		return
	}
	parts := strings.Split(normalized, ".")
	current := root
	for idx, part := range parts {
		if idx == len(parts)-1 {
			delete(current, part)
			return
		}
		child, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = child
	}
}
