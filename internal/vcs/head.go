// Package vcs resolves the project's current git state for the version info
// advertised to connecting clients.
package vcs

import (
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// Head returns the HEAD commit hash and branch name of the repository at
// repoPath. A project without a repository yields empty strings, not an
// error; live-update clients use the hash only to detect server restarts.
func Head(repoPath string) (commit, branch string) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return readHeadFile(repoPath), ""
	}

	ref, err := repo.Head()
	if err != nil {
		return readHeadFile(repoPath), ""
	}

	commit = ref.Hash().String()
	if ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return commit, branch
}

// readHeadFile reads .git/HEAD directly, resolving a symbolic ref one level.
// Covers worktrees and partial checkouts that PlainOpen rejects.
func readHeadFile(repoPath string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, ".git", "HEAD"))
	if err != nil {
		return ""
	}

	line := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(line, "ref:"); ok {
		refPath := filepath.Join(repoPath, ".git", filepath.FromSlash(strings.TrimSpace(ref)))
		if refData, refErr := os.ReadFile(refPath); refErr == nil {
			return strings.TrimSpace(string(refData))
		}
		return ""
	}
	return line
}
