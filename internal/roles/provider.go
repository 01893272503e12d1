// Package roles serves the briefing text each agent receives after spawn or
// recovery. Built-in briefings are compiled in; operators override per role
// by dropping files into the roles directory, which is hot-reloaded.
package roles

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/git"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

//go:embed briefings/*.md
var builtins embed.FS

// Provider resolves role briefings. Safe for concurrent use.
type Provider struct {
	mu        sync.RWMutex
	overrides map[string]string

	dir       string
	project   func() string
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	log       *logging.Logger
}

// NewProvider builds a provider reading overrides from overrideDir. The
// directory may not exist yet; it is scanned once here and watched after
// Watch.
func NewProvider(overrideDir string, log *logging.Logger) *Provider {
	if log == nil {
		log = logging.Nop()
	}
	p := &Provider{
		overrides: make(map[string]string),
		dir:       overrideDir,
		project:   func() string { return git.ProjectName("") },
		done:      make(chan struct{}),
		log:       log,
	}
	p.loadOverrides()
	return p
}

// fileFor maps a role to its briefing file name.
func fileFor(role registry.Role) string {
	switch role {
	case registry.RoleOrchestrator:
		return "orchestrator.md"
	case registry.RoleProjectManager:
		return "project-manager.md"
	case registry.RoleQA:
		return "qa.md"
	case registry.RoleCustom:
		return "custom.md"
	default:
		return "worker.md"
	}
}

// Briefing renders the briefing for role, addressed to t. Only
// {project_name} and {target} are substituted; any other placeholder in
// the text passes through untouched.
func (p *Provider) Briefing(role registry.Role, t target.Target) (string, error) {
	raw, err := p.raw(role)
	if err != nil {
		return "", err
	}
	return substitute(raw, t, p.project()), nil
}

// Substitute applies the placeholder contract to briefing text delivered
// outside the built-in role set, such as context files handed to spawn.
func Substitute(text string, t target.Target) string {
	return substitute(text, t, git.ProjectName(""))
}

func substitute(text string, t target.Target, project string) string {
	r := strings.NewReplacer(
		"{project_name}", project,
		"{target}", t.String(),
	)
	return r.Replace(text)
}

// Raw returns the unrendered briefing text for role, override first.
func (p *Provider) Raw(role registry.Role) (string, error) {
	return p.raw(role)
}

// Available lists briefing file names; the value marks operator overrides.
func (p *Provider) Available() map[string]bool {
	out := make(map[string]bool)
	entries, err := builtins.ReadDir("briefings")
	if err == nil {
		for _, e := range entries {
			out[e.Name()] = false
		}
	}
	p.mu.RLock()
	for name := range p.overrides {
		out[name] = true
	}
	p.mu.RUnlock()
	return out
}

// Hash returns the first 16 hex characters of the content's sha256. Logged
// whenever a briefing loads so operators can tell which version a pane got.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Watch starts hot-reloading the override directory until Close.
func (p *Provider) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(p.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", p.dir, err)
	}
	p.watcher = w
	go p.loop()
	return nil
}

// Reload rescans the override directory. The watcher keeps briefings fresh
// on its own; this is the forced path behind SIGHUP.
func (p *Provider) Reload() {
	p.loadOverrides()
}

// Close stops the watcher. Briefing keeps working afterwards.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

func (p *Provider) raw(role registry.Role) (string, error) {
	name := fileFor(role)

	p.mu.RLock()
	text, ok := p.overrides[name]
	p.mu.RUnlock()
	if ok {
		return text, nil
	}

	data, err := builtins.ReadFile("briefings/" + name)
	if err != nil {
		return "", fmt.Errorf("no briefing for role %q: %w", role, err)
	}
	return string(data), nil
}

func (p *Provider) loadOverrides() {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("reading roles directory", zap.String("dir", p.dir), zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		p.loadOverrideFile(filepath.Join(p.dir, e.Name()))
	}
}

func (p *Provider) loadOverrideFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Warn("reading briefing override", zap.String("path", path), zap.Error(err))
		return
	}
	name := filepath.Base(path)

	p.mu.Lock()
	prev, had := p.overrides[name]
	p.overrides[name] = string(data)
	p.mu.Unlock()

	if !had || prev != string(data) {
		p.log.Info("briefing override loaded",
			zap.String("file", name),
			zap.String("hash", Hash(data)))
	}
}

func (p *Provider) removeOverride(path string) {
	name := filepath.Base(path)

	p.mu.Lock()
	_, had := p.overrides[name]
	delete(p.overrides, name)
	p.mu.Unlock()

	if had {
		p.log.Info("briefing override removed, builtin restored", zap.String("file", name))
	}
}

func (p *Provider) loop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				p.loadOverrideFile(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				p.removeOverride(ev.Name)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("briefing watcher error", zap.Error(err))
		case <-p.done:
			return
		}
	}
}
