package tree

import (
	"strings"

	"github.com/estrada-diego/myCloud/pkg/models"
)

const maxNameLen = 255

// SplitPath turns a slash-separated relative path such as "a/b/x.txt" into
// its segments.
func SplitPath(rel string) ([]string, error) {
	if rel == "" {
		return nil, &models.InvalidPathError{Path: rel, Reason: "empty path"}
	}
	segments := strings.Split(rel, "/")
	if len(segments) > maxDepth {
		return nil, &models.InvalidPathError{Path: rel, Reason: "path too deep"}
	}
	for _, s := range segments {
		if reason := nameProblem(s); reason != "" {
			return nil, &models.InvalidPathError{Path: rel, Reason: reason}
		}
	}
	return segments, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}

func validateSegments(segments []string) error {
	if len(segments) == 0 {
		return &models.InvalidPathError{Reason: "empty path"}
	}
	if len(segments) > maxDepth {
		return &models.InvalidPathError{Path: segments[0] + "/...", Reason: "path too deep"}
	}
	for _, s := range segments {
		if reason := nameProblem(s); reason != "" {
			return &models.InvalidPathError{Path: JoinPath(segments), Reason: reason}
		}
	}
	return nil
}

func validateName(name string) error {
	if reason := nameProblem(name); reason != "" {
		return &models.InvalidPathError{Path: name, Reason: reason}
	}
	return nil
}

func nameProblem(name string) string {
	switch {
	case name == "":
		return "empty segment"
	case name == "." || name == "..":
		return "relative segment"
	case strings.ContainsAny(name, "/\x00"):
		return "segment contains a separator or NUL"
	case len(name) > maxNameLen:
		return "segment too long"
	}
	return ""
}
