package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// initTestRepo creates a temporary git repository with one commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s: %v", args, string(out), err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"git", "add", "."}, {"git", "commit", "-m", "initial"}} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s: %v", args, string(out), err)
		}
	}
	return dir
}

func TestIsRepo(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	if !IsRepo(repo) {
		t.Error("IsRepo = false for initialized repo")
	}
	if IsRepo(t.TempDir()) {
		t.Error("IsRepo = true for plain directory")
	}
}

func TestProjectNameInsideRepo(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)

	sub := filepath.Join(repo, "pkg", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	want := filepath.Base(repo)
	if got := ProjectName(sub); got != want {
		t.Errorf("ProjectName(%q) = %q, want %q", sub, got, want)
	}
}

func TestProjectNameOutsideRepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	if got := ProjectName(dir); got != filepath.Base(dir) {
		t.Errorf("ProjectName(%q) = %q, want %q", dir, got, filepath.Base(dir))
	}
}

func TestCurrentBranch(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)

	branch, err := CurrentBranch(repo)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "main" && branch != "master" {
		t.Errorf("branch = %q, want main or master", branch)
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		taskID int64
		title  string
		want   string
	}{
		{1, "Fix auth bug", "task/1-fix-auth-bug"},
		{42, "Add rate limiting!", "task/42-add-rate-limiting"},
		{7, "  ", "task/7"},
		{9, "Émigré café", "task/9-migr-caf"},
		{3, "This is a very long title that should be cut somewhere", "task/3-this-is-a-very-long-title-that-should-be"},
	}
	for _, tt := range tests {
		if got := BranchName(tt.taskID, tt.title); got != tt.want {
			t.Errorf("BranchName(%d, %q) = %q, want %q", tt.taskID, tt.title, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"--weird--input--", "weird-input"},
		{"UPPER case 123", "upper-case-123"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
