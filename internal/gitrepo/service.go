package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"collabhub/api/internal/filestore"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const defaultBranch = "main"

// CommitInfo summarizes one commit on a project branch.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service stores each project as a git repository under baseDir; project
// branches are git branches forked lazily from main.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ filestore.Store = (*Service)(nil)

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) ReadFile(_ context.Context, projectID, branch, filePath string) (string, error) {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return "", err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.branchHead(projectID, branch)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(filestore.RelPath(cleaned))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", filestore.ErrNotFound
		}
		return "", fmt.Errorf("load %s from commit: %w", cleaned, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open file reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read file bytes: %w", err)
	}
	return string(data), nil
}

func (s *Service) WriteFile(_ context.Context, projectID, branch, filePath, content string, author filestore.Author) error {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return err
	}
	rel := filestore.RelPath(cleaned)
	return s.mutate(projectID, branch, author, "Update "+cleaned, func(worktree *git.Worktree) error {
		target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dirs: %w", err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cleaned, err)
		}
		if _, err := worktree.Add(rel); err != nil {
			return fmt.Errorf("git add %s: %w", cleaned, err)
		}
		return nil
	})
}

func (s *Service) DeleteFile(_ context.Context, projectID, branch, filePath string, author filestore.Author) error {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return err
	}
	rel := filestore.RelPath(cleaned)
	return s.mutate(projectID, branch, author, "Delete "+cleaned, func(worktree *git.Worktree) error {
		if _, err := worktree.Filesystem.Stat(rel); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filestore.ErrNotFound
			}
			return fmt.Errorf("stat %s: %w", cleaned, err)
		}
		if _, err := worktree.Remove(rel); err != nil {
			return fmt.Errorf("git rm %s: %w", cleaned, err)
		}
		return nil
	})
}

func (s *Service) RenameFile(_ context.Context, projectID, branch, fromPath, toPath string, content *string, author filestore.Author) error {
	from, err := filestore.CleanPath(fromPath)
	if err != nil {
		return err
	}
	to, err := filestore.CleanPath(toPath)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("Rename %s to %s", from, to)
	return s.mutate(projectID, branch, author, message, func(worktree *git.Worktree) error {
		if _, err := worktree.Filesystem.Stat(filestore.RelPath(from)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filestore.ErrNotFound
			}
			return fmt.Errorf("stat %s: %w", from, err)
		}
		if _, err := worktree.Move(filestore.RelPath(from), filestore.RelPath(to)); err != nil {
			return fmt.Errorf("git mv %s: %w", from, err)
		}
		if content == nil {
			return nil
		}
		target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(filestore.RelPath(to)))
		if err := os.WriteFile(target, []byte(*content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", to, err)
		}
		if _, err := worktree.Add(filestore.RelPath(to)); err != nil {
			return fmt.Errorf("git add %s: %w", to, err)
		}
		return nil
	})
}

func (s *Service) ListTree(_ context.Context, projectID, branch string) ([]string, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.branchHead(projectID, branch)
	if errors.Is(err, filestore.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	paths := make([]string, 0)
	err = tree.Files().ForEach(func(file *object.File) error {
		paths = append(paths, "/"+file.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Service) History(projectID, branch string, limit int) ([]CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.branchHead(projectID, branch)
	if errors.Is(err, filestore.ErrNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	path, err := s.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// mutate runs change on a checked-out branch and commits the result. A change
// that leaves the worktree clean produces no commit.
func (s *Service) mutate(projectID, branch string, author filestore.Author, message string, change func(*git.Worktree) error) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(projectID, author)
	if err != nil {
		return err
	}
	if err := ensureBranch(repo, branch, defaultBranch); err != nil {
		return err
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := change(worktree); err != nil {
		if resetErr := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); resetErr != nil {
			return fmt.Errorf("%w (reset worktree: %v)", err, resetErr)
		}
		return err
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)}); err != nil {
		return fmt.Errorf("commit %s: %w", branch, err)
	}
	return nil
}

func (s *Service) ensureRepo(projectID string, author filestore.Author) (*git.Repository, error) {
	path, err := s.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	hash, err := worktree.Commit("Initialize project", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(defaultBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// branchHead resolves the tip of branch, falling back to main for branches
// that have not been written yet.
func (s *Service) branchHead(projectID, branch string) (*object.Commit, error) {
	path, err := s.repoPath(projectID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, filestore.ErrNotFound
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		ref, err = repo.Reference(plumbing.NewBranchReferenceName(defaultBranch), true)
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, filestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func ensureBranch(repo *git.Repository, branchName, fromBranch string) error {
	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}
	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branchName)
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

// repoPath refuses any project id that would resolve outside baseDir.
func (s *Service) repoPath(projectID string) (string, error) {
	if err := filestore.CheckProjectID(projectID); err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, projectID)
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || rel != projectID {
		return "", fmt.Errorf("%w: %q leaves the repository root", filestore.ErrInvalidProjectID, projectID)
	}
	return path, nil
}

// One worktree backs every branch of a project, so locking is per project.
func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author filestore.Author) *object.Signature {
	name := author.Name
	if name == "" {
		name = "collabhub"
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@local.collabhub.dev", sanitizeEmail(name)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
