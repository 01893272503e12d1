// Package git shells out to git for the small set of repository facts the
// fleet needs: project naming for briefings and branch names for tasks.
package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxSlugLen caps the slug part of generated branch names.
const maxSlugLen = 40

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, err := run(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Toplevel returns the repository root containing dir.
func Toplevel(dir string) (string, error) {
	return run(dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch, or HEAD when detached.
func CurrentBranch(dir string) (string, error) {
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// ProjectName names the project for dir: the repository toplevel basename
// when inside a repo, otherwise the basename of dir itself. Empty dir means
// the current working directory. Never fails; agents get briefed in scratch
// directories too.
func ProjectName(dir string) string {
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		} else {
			return "project"
		}
	}
	if top, err := Toplevel(dir); err == nil && top != "" {
		return filepath.Base(top)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return filepath.Base(abs)
	}
	return filepath.Base(dir)
}

// BranchName builds the branch for a task: task/<id>-<slug>.
func BranchName(taskID int64, title string) string {
	slug := Slugify(title)
	if slug == "" {
		return fmt.Sprintf("task/%d", taskID)
	}
	return fmt.Sprintf("task/%d-%s", taskID, slug)
}

// Slugify lowercases s and collapses every run of non-alphanumerics into a
// single dash, capped at maxSlugLen.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
