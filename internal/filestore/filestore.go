package filestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrInvalidPath      = errors.New("invalid file path")
	ErrInvalidProjectID = errors.New("invalid project id")
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store is the authoritative file tree of a project branch. Only the review
// gate writes through it.
type Store interface {
	ReadFile(ctx context.Context, projectID, branch, filePath string) (string, error)
	WriteFile(ctx context.Context, projectID, branch, filePath, content string, author Author) error
	DeleteFile(ctx context.Context, projectID, branch, filePath string, author Author) error
	// RenameFile moves a file and, when content is non-nil, replaces its body
	// in the same write. A failed rename leaves the tree unchanged.
	RenameFile(ctx context.Context, projectID, branch, fromPath, toPath string, content *string, author Author) error
	ListTree(ctx context.Context, projectID, branch string) ([]string, error)
}

// Author is recorded on every storage write where the backend keeps history.
type Author struct {
	ID   string
	Name string
}

// CleanPath returns the canonical "/dir/file" form of a repository path.
func CleanPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q escapes the tree", ErrInvalidPath, raw)
		}
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: %q names the root", ErrInvalidPath, raw)
	}
	return cleaned, nil
}

// RelPath strips the leading slash for backends keyed by relative paths.
func RelPath(cleaned string) string {
	return strings.TrimPrefix(cleaned, "/")
}

// CheckProjectID rejects ids that are unsafe as a directory or key prefix.
func CheckProjectID(projectID string) error {
	if !projectIDPattern.MatchString(projectID) || strings.Contains(projectID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}
	return nil
}
