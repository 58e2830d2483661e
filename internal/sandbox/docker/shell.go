package docker

import (
	"fmt"
	"path"
	"strings"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// sanitizePath accepts only clean absolute paths made of safe characters.
// Anything that could escape a single-quoted shell word is rejected rather
// than escaped.
func sanitizePath(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: path must be absolute", sandbox.ErrUnsafeArgument)
	}
	cleaned := path.Clean(p)
	for _, r := range cleaned {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '/', r == '.', r == '_', r == '-':
		default:
			return "", fmt.Errorf("%w: path contains %q", sandbox.ErrUnsafeArgument, r)
		}
	}
	return cleaned, nil
}

// shellQuote wraps s in single quotes, closing and reopening around any
// embedded quote so the shell never interprets the content.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "" {
		return "/"
	}
	return dir
}
