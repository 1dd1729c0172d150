package worktree

// Copy describes an isolated working copy created for one agent.
type Copy struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch checked out in the worktree (e.g. "agent-1a2b3c4d")
	Source string // Repository the worktree belongs to
	Head   string // HEAD commit hash at creation or listing time
}

// Config configures the worktree manager.
type Config struct {
	// Dir is the directory under the source repo that holds worktrees
	// (default ".agent-worktrees").
	Dir string
	// SeedFile is the instructions document written into each copy
	// (default "CLAUDE.md").
	SeedFile string
	// AuthorName and AuthorEmail are used for the bootstrap commit when the
	// source directory is not yet a repository.
	AuthorName  string
	AuthorEmail string
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = ".agent-worktrees"
	}
	if c.SeedFile == "" {
		c.SeedFile = "CLAUDE.md"
	}
	if c.AuthorName == "" {
		c.AuthorName = "agentmon"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "agentmon@localhost"
	}
	return c
}
