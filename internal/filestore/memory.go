package filestore

import (
	"context"
	"sort"
	"sync"
)

type memoryKey struct {
	project string
	branch  string
}

// Memory keeps file trees in process. Branches start empty.
type Memory struct {
	mu     sync.RWMutex
	trees  map[memoryKey]map[string]string
	writes int
}

func NewMemory() *Memory {
	return &Memory{trees: map[memoryKey]map[string]string{}}
}

func (m *Memory) ReadFile(_ context.Context, projectID, branch, filePath string) (string, error) {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.trees[memoryKey{projectID, branch}][cleaned]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (m *Memory) WriteFile(_ context.Context, projectID, branch, filePath, content string, _ Author) error {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree(projectID, branch)[cleaned] = content
	m.writes++
	return nil
}

func (m *Memory) DeleteFile(_ context.Context, projectID, branch, filePath string, _ Author) error {
	cleaned, err := CleanPath(filePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tree := m.tree(projectID, branch)
	if _, ok := tree[cleaned]; !ok {
		return ErrNotFound
	}
	delete(tree, cleaned)
	m.writes++
	return nil
}

func (m *Memory) RenameFile(_ context.Context, projectID, branch, fromPath, toPath string, content *string, _ Author) error {
	from, err := CleanPath(fromPath)
	if err != nil {
		return err
	}
	to, err := CleanPath(toPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tree := m.tree(projectID, branch)
	body, ok := tree[from]
	if !ok {
		return ErrNotFound
	}
	if content != nil {
		body = *content
	}
	delete(tree, from)
	tree[to] = body
	m.writes++
	return nil
}

func (m *Memory) ListTree(_ context.Context, projectID, branch string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree := m.trees[memoryKey{projectID, branch}]
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Writes counts successful mutations since creation.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) tree(projectID, branch string) map[string]string {
	key := memoryKey{projectID, branch}
	tree, ok := m.trees[key]
	if !ok {
		tree = map[string]string{}
		m.trees[key] = tree
	}
	return tree
}
