package vfs

import (
	"strings"

	"ia32kernel/kernel"
)

// PathDelimiter separates the components of every VFS path.
const PathDelimiter = "/"

var errBadDotDot = &kernel.Error{Module: "vfs", Message: "path climbs above the root with '..'"}

// Basename returns the final component of path ("/dev/fd0" -> "fd0"). A
// path with no delimiter is returned unchanged.
func Basename(path string) string {
	idx := strings.LastIndex(path, PathDelimiter)
	if idx == -1 {
		return path
	}
	return path[idx+1:]
}

// Dirname returns path up to but excluding its final component
// ("/dev/fd0" -> "/dev"). A path with no delimiter yields "."; a
// single-component absolute path yields "/".
func Dirname(path string) string {
	idx := strings.LastIndex(path, PathDelimiter)
	switch {
	case idx == -1:
		return "."
	case idx == 0:
		return PathDelimiter
	default:
		return path[:idx]
	}
}

// Normalize resolves "." and ".." components and collapses path into its
// canonical absolute form. A ".." with no preceding component to cancel is
// invalid. An empty component (a doubled delimiter) discards everything
// before it, treating the second delimiter as a fresh absolute root.
func Normalize(path string) (string, *kernel.Error) {
	if path == "" || path == PathDelimiter {
		return PathDelimiter, nil
	}

	components := strings.Split(strings.TrimPrefix(path, PathDelimiter), PathDelimiter)
	kept := make([]string, 0, len(components))

	for i, comp := range components {
		switch comp {
		case ".":
			// current directory; contributes nothing
		case "..":
			if len(kept) == 0 {
				return "", errBadDotDot
			}
			kept = kept[:len(kept)-1]
		case "":
			// doubled delimiter: restart from the root, unless this is a
			// trailing delimiter with nothing after it
			if i != len(components)-1 {
				kept = kept[:0]
			}
		default:
			kept = append(kept, comp)
		}
	}

	if len(kept) == 0 {
		return PathDelimiter, nil
	}
	return PathDelimiter + strings.Join(kept, PathDelimiter), nil
}
