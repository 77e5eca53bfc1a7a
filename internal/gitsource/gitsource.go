// Package gitsource keeps local checkouts of git deck sources up to date.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// IsRemote reports whether path names a git remote rather than a local
// directory.
func IsRemote(path string) bool {
	return strings.HasSuffix(path, ".git") ||
		strings.HasPrefix(path, "git@") ||
		strings.HasPrefix(path, "https://") ||
		strings.HasPrefix(path, "http://")
}

// LocalPath maps a remote URL to its checkout directory under baseDir, for
// example https://github.com/a/b.git to baseDir/github.com/a/b.
func LocalPath(baseDir, remote string) (string, error) {
	// scp-like syntax: git@host:owner/repo.git
	if user, rest, ok := strings.Cut(remote, "@"); ok && !strings.Contains(user, "/") && !strings.Contains(remote, "://") {
		host, repo, ok := strings.Cut(rest, ":")
		if !ok || host == "" || repo == "" {
			return "", fmt.Errorf("could not parse git URL: %s", remote)
		}
		return safeJoin(baseDir, host, strings.TrimSuffix(repo, ".git"))
	}

	u, err := url.Parse(remote)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http" && u.Scheme != "ssh") {
		return "", fmt.Errorf("could not parse git URL: %s", remote)
	}
	return safeJoin(baseDir, u.Host, strings.TrimSuffix(u.Path, ".git"))
}

func safeJoin(baseDir, host, repo string) (string, error) {
	p := filepath.Join(baseDir, host, filepath.FromSlash(repo))
	rel, err := filepath.Rel(baseDir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("git URL escapes %s: %s/%s", baseDir, host, repo)
	}
	return p, nil
}

// Sync clones remote into localPath, or pulls when a checkout already exists.
func Sync(ctx context.Context, remote, localPath string) error {
	log := slog.With("remote", remote, "path", localPath)

	_, err := os.Stat(localPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("cloning deck repository")
		if _, err := git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{URL: remote}); err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", remote, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	}

	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.Debug("deck repository already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
	}
	log.Info("deck repository updated")
	return nil
}
