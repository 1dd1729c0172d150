package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestRepo creates a temporary git repository with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	resolved, err := filepath.EvalSymlinks(repoPath)
	if err != nil {
		t.Fatalf("failed to resolve repo path: %v", err)
	}
	return resolved
}

func branchExists(t *testing.T, repo, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repo
	return cmd.Run() == nil
}

func TestCreate(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	c, err := mgr.Create(repo, "agent-1234abcd", "# Instructions\n")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wantPath := filepath.Join(repo, ".agent-worktrees", "agent-1234abcd")
	if c.Path != wantPath {
		t.Errorf("expected path %s, got %s", wantPath, c.Path)
	}
	if c.Branch != "agent-1234abcd" {
		t.Errorf("expected branch agent-1234abcd, got %s", c.Branch)
	}
	if c.Source != repo {
		t.Errorf("expected source %s, got %s", repo, c.Source)
	}
	if len(c.Head) != 40 {
		t.Errorf("expected 40-char HEAD hash, got %q", c.Head)
	}

	if _, err := os.Stat(filepath.Join(c.Path, "README.md")); err != nil {
		t.Errorf("worktree is missing repository files: %v", err)
	}

	seed, ok, err := mgr.SeedDocument(c.Path)
	if err != nil || !ok {
		t.Fatalf("SeedDocument failed: ok=%v err=%v", ok, err)
	}
	if seed != "# Instructions\n" {
		t.Errorf("unexpected seed content %q", seed)
	}
}

func TestCreateWithoutSeed(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{SeedFile: "AGENTS.md"})

	c, err := mgr.Create(repo, "agent-noseed", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok, _ := mgr.SeedDocument(c.Path); ok {
		t.Error("expected no seed document")
	}
}

func TestCreateInitializesRepository(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	mgr := NewManager(Config{})
	c, err := mgr.Create(dir, "agent-fresh", "")
	if err != nil {
		t.Fatalf("Create on non-repo failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Errorf("expected repository to be initialized: %v", err)
	}
	if _, err := os.Stat(c.Path); err != nil {
		t.Errorf("worktree not created: %v", err)
	}
}

func TestCreateDuplicateLabel(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	if _, err := mgr.Create(repo, "agent-dup", ""); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := mgr.Create(repo, "agent-dup", ""); err == nil {
		t.Error("expected error creating duplicate worktree")
	}
}

func TestRemove(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	c, err := mgr.Create(repo, "agent-remove", "seed")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Uncommitted changes must not block removal.
	if err := os.WriteFile(filepath.Join(c.Path, "dirty.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := mgr.Remove(repo, c.Path, c.Branch); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(c.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory to be gone, stat err: %v", err)
	}
	if branchExists(t, repo, c.Branch) {
		t.Error("expected branch to be deleted")
	}

	// Removing again is tolerated.
	if err := mgr.Remove(repo, c.Path, c.Branch); err != nil {
		t.Errorf("second Remove should succeed, got %v", err)
	}
}

func TestUpdateSeedDocument(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	c, err := mgr.Create(repo, "agent-seed", "v1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.UpdateSeedDocument(c.Path, "v2"); err != nil {
		t.Fatalf("UpdateSeedDocument failed: %v", err)
	}
	got, _, _ := mgr.SeedDocument(c.Path)
	if got != "v2" {
		t.Errorf("expected v2, got %q", got)
	}
}

func TestList(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	for _, label := range []string{"agent-a", "agent-b"} {
		if _, err := mgr.Create(repo, label, ""); err != nil {
			t.Fatalf("Create %s failed: %v", label, err)
		}
	}

	copies, err := mgr.List(repo)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(copies) != 2 {
		t.Fatalf("expected 2 managed worktrees (main excluded), got %d: %+v", len(copies), copies)
	}

	branches := map[string]bool{}
	for _, c := range copies {
		branches[c.Branch] = true
		if !strings.HasPrefix(c.Path, filepath.Join(repo, ".agent-worktrees")) {
			t.Errorf("unexpected path %s", c.Path)
		}
		if c.Head == "" {
			t.Errorf("missing HEAD for %s", c.Branch)
		}
	}
	if !branches["agent-a"] || !branches["agent-b"] {
		t.Errorf("missing branches: %v", branches)
	}
}

func TestPrune(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewManager(Config{})

	c, err := mgr.Create(repo, "agent-stale", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Delete the directory behind git's back.
	if err := os.RemoveAll(c.Path); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if err := mgr.Prune(repo); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	copies, err := mgr.List(repo)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(copies) != 0 {
		t.Errorf("expected stale worktree to be pruned, got %+v", copies)
	}
}

func TestParsePorcelain(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /repo/.agent-worktrees/agent-x\nHEAD def\nbranch refs/heads/agent-x\n"
	got := parsePorcelain(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[1].Branch != "agent-x" || got[1].Head != "def" {
		t.Errorf("unexpected entry %+v", got[1])
	}
}
