package worktree

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Manager creates and removes git worktrees that give each agent its own
// branch-scoped copy of a source directory.
type Manager struct {
	cfg Config
	mu  sync.Mutex // serializes git operations to avoid index.lock contention
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

// Create adds a worktree for label under sourceDir and writes seed as the
// instructions document when non-empty. A directory that is not yet a git
// repository is initialized with an empty commit first.
func (m *Manager) Create(sourceDir, label, seed string) (*Copy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sourceDir, err := canonical(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source dir: %w", err)
	}

	if err := m.ensureRepo(sourceDir); err != nil {
		return nil, err
	}

	base := filepath.Join(sourceDir, m.cfg.Dir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base: %w", err)
	}

	wtPath := filepath.Join(base, label)
	if _, err := git(sourceDir, "worktree", "add", "-b", label, wtPath); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := git(wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	if seed != "" {
		if err := m.writeSeed(wtPath, seed); err != nil {
			return nil, err
		}
	}

	return &Copy{
		Path:   wtPath,
		Branch: label,
		Source: sourceDir,
		Head:   head,
	}, nil
}

func (m *Manager) ensureRepo(dir string) error {
	if _, err := git(dir, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	if _, err := git(dir, "init"); err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	_, err := git(dir,
		"-c", "user.name="+m.cfg.AuthorName,
		"-c", "user.email="+m.cfg.AuthorEmail,
		"commit", "--allow-empty", "-m", "init")
	if err != nil {
		return fmt.Errorf("failed to create initial commit: %w", err)
	}
	return nil
}

// Remove force-removes the worktree at path and deletes its branch. Either
// may already be gone; only failures on both are reported.
func (m *Manager) Remove(sourceDir, path, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if _, err := git(sourceDir, "worktree", "remove", "--force", path); err != nil {
		// Fall back to deleting the directory so a half-created copy doesn't linger.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			errs = append(errs, fmt.Errorf("worktree remove: %w", err))
		}
	}
	if branch != "" {
		if _, err := git(sourceDir, "branch", "-D", branch); err != nil && !strings.Contains(err.Error(), "not found") {
			errs = append(errs, fmt.Errorf("branch delete: %w", err))
		}
	}
	return errors.Join(errs...)
}

// UpdateSeedDocument overwrites the instructions document inside a copy.
func (m *Manager) UpdateSeedDocument(path, content string) error {
	return m.writeSeed(path, content)
}

// SeedDocument reads the instructions document; ok is false if it does not exist.
func (m *Manager) SeedDocument(path string) (content string, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(path, m.cfg.SeedFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read seed document: %w", err)
	}
	return string(b), true, nil
}

func (m *Manager) writeSeed(path, content string) error {
	if err := os.WriteFile(filepath.Join(path, m.cfg.SeedFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write seed document: %w", err)
	}
	return nil
}

// List returns the worktrees of sourceDir that live under the managed
// directory. The main worktree is excluded.
func (m *Manager) List(sourceDir string) ([]Copy, error) {
	sourceDir, err := canonical(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source dir: %w", err)
	}

	output, err := git(sourceDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	base := filepath.Join(sourceDir, m.cfg.Dir) + string(filepath.Separator)
	var copies []Copy
	for _, c := range parsePorcelain(output) {
		if p, err := canonical(c.Path); err == nil {
			c.Path = p
		}
		if strings.HasPrefix(c.Path, base) {
			c.Source = sourceDir
			copies = append(copies, c)
		}
	}
	return copies, nil
}

// canonical returns an absolute path with symlinks resolved, so paths
// reported by git compare equal to caller-supplied ones.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func parsePorcelain(output string) []Copy {
	var copies []Copy
	var current Copy

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Path != "" {
				copies = append(copies, current)
				current = Copy{}
			}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		copies = append(copies, current)
	}
	return copies
}

// Prune cleans up stale worktree metadata.
func (m *Manager) Prune(sourceDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := git(sourceDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
