package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/muxfleet/muxfleet/internal/config"
)

// tmuxSnippet is sourced from the operator's tmux.conf. The dashboard
// binding opens a throwaway window so it works from any session.
const tmuxSnippet = `# muxfleet integration. Source this from ~/.tmux.conf:
#   source-file %s

# Agent windows get renamed by muxfleet; stop tmux renaming them back.
set-option -g allow-rename off

# Longer history so pane captures see enough context to classify state.
set-option -g history-limit 10000

# prefix + M: one-shot fleet dashboard.
bind-key M new-window -n fleet 'muxfleet monitor dashboard; printf "\n[press enter]"; read _'
`

// WriteTmuxSnippet writes the tmux integration file under the base
// directory and returns its path.
func WriteTmuxSnippet(cfg *config.Config) (string, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return "", err
	}
	path := filepath.Join(cfg.BasePath, "tmux-muxfleet.conf")
	content := fmt.Sprintf(tmuxSnippet, path)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
