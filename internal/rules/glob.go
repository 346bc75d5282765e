package rules

import (
	"path/filepath"
	"strings"
)

// matchName matches an exact name or a single-segment glob such as
// "tools/*" or "exec_*".
func matchName(name, pattern string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		matched, _ := filepath.Match(pattern, name)
		return matched
	}
	return name == pattern
}

// matchGlob matches a path-like value. "**" spans any number of segments:
//
//	/etc/**       anything under /etc
//	**/.ssh/**    any path through a .ssh directory
func matchGlob(value, pattern string) bool {
	if !strings.Contains(pattern, "**") {
		matched, _ := filepath.Match(pattern, value)
		return matched
	}
	return globMatch(splitPath(value), splitPattern(pattern))
}

func globMatch(value, pattern []string) bool {
	vi := 0
	for pi := 0; pi < len(pattern); pi++ {
		if pattern[pi] == "**" {
			rest := pattern[pi+1:]
			if len(rest) == 0 {
				return true
			}
			for ; vi <= len(value); vi++ {
				if globMatch(value[vi:], rest) {
					return true
				}
			}
			return false
		}
		if vi >= len(value) {
			return false
		}
		if matched, _ := filepath.Match(pattern[pi], value[vi]); !matched {
			return false
		}
		vi++
	}
	return vi == len(value)
}

func splitPath(p string) []string {
	p = strings.Trim(filepath.Clean(p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

func splitPattern(pattern string) []string {
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return nil
	}
	return strings.Split(pattern, "/")
}
