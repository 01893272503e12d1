package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Layout describes one team: which windows to stand up in a session.
// Counted entries get ordinal window names at spawn time; explicit members
// come after them and may carry their own name, directory, and briefing.
type Layout struct {
	Session        string   `yaml:"session"`
	Dir            string   `yaml:"dir"`
	Orchestrator   bool     `yaml:"orchestrator"`
	ProjectManager bool     `yaml:"project_manager"`
	Workers        int      `yaml:"workers"`
	QA             int      `yaml:"qa"`
	Members        []Member `yaml:"members"`

	// dir of the layout file, for resolving member briefing paths.
	base string
}

// Member is one explicitly listed team member.
type Member struct {
	Role string `yaml:"role"`
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
	// Brief is the path to a briefing file, resolved against the layout
	// file. Its front matter can supply the role and window name instead.
	Brief string `yaml:"brief"`
}

// DefaultLayout is the team stood up when no layout file is given: one
// project manager and a handful of workers.
func DefaultLayout(session string, workers int) *Layout {
	if workers < 1 {
		workers = 3
	}
	return &Layout{
		Session:        session,
		ProjectManager: true,
		Workers:        workers,
	}
}

// LoadLayout reads a team layout from a YAML file.
func LoadLayout(path string) (*Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	var l Layout
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse layout %s: %w", path, err)
	}
	l.base = filepath.Dir(path)
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return &l, nil
}

// Validate rejects layouts a deploy cannot act on.
func (l *Layout) Validate() error {
	if l.Session == "" {
		return fmt.Errorf("session required")
	}
	if !target.Valid(l.Session + ":0") {
		return fmt.Errorf("session %q: names are limited to [A-Za-z0-9_-]", l.Session)
	}
	if l.Workers < 0 || l.QA < 0 {
		return fmt.Errorf("negative member counts: workers=%d qa=%d", l.Workers, l.QA)
	}
	for i, mbr := range l.Members {
		if mbr.Role != "" {
			if _, err := registry.ParseRole(mbr.Role); err != nil {
				return fmt.Errorf("member %d: %w", i+1, err)
			}
		}
	}
	if l.Size() == 0 {
		return fmt.Errorf("layout describes no agents")
	}
	return nil
}

// Size is the number of windows the layout expands to.
func (l *Layout) Size() int {
	n := l.Workers + l.QA + len(l.Members)
	if l.Orchestrator {
		n++
	}
	if l.ProjectManager {
		n++
	}
	return n
}

// Specs expands the layout into spawn specs, orchestrator first, then the
// project manager, workers, qa, and explicit members. Member briefing
// files are loaded here; their front matter fills role and window name
// when the member entry leaves them out.
func (l *Layout) Specs() ([]Spec, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	var specs []Spec
	if l.Orchestrator {
		specs = append(specs, Spec{Session: l.Session, Role: registry.RoleOrchestrator, Dir: l.Dir})
	}
	if l.ProjectManager {
		specs = append(specs, Spec{Session: l.Session, Role: registry.RoleProjectManager, Dir: l.Dir})
	}
	for i := 0; i < l.Workers; i++ {
		specs = append(specs, Spec{Session: l.Session, Role: registry.RoleWorker, Dir: l.Dir})
	}
	for i := 0; i < l.QA; i++ {
		specs = append(specs, Spec{Session: l.Session, Role: registry.RoleQA, Dir: l.Dir})
	}

	for i, mbr := range l.Members {
		spec := Spec{Session: l.Session, Name: mbr.Name, Dir: mbr.Dir}
		if spec.Dir == "" {
			spec.Dir = l.Dir
		}
		if mbr.Role != "" {
			role, err := registry.ParseRole(mbr.Role)
			if err != nil {
				return nil, fmt.Errorf("member %d: %w", i+1, err)
			}
			spec.Role = role
		}
		if mbr.Brief != "" {
			path := mbr.Brief
			if !filepath.IsAbs(path) {
				path = filepath.Join(l.base, path)
			}
			b, err := LoadBrief(path)
			if err != nil {
				return nil, fmt.Errorf("member %d: %w", i+1, err)
			}
			spec.Briefing = b.Body
			if spec.Role == "" {
				spec.Role = b.Role
			}
			if spec.Name == "" {
				spec.Name = b.Window
			}
		}
		if spec.Role == "" {
			spec.Role = registry.RoleWorker
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Brief is a parsed briefing file: optional YAML front matter naming the
// role and window, then the text delivered to the spawned pane.
type Brief struct {
	Role   registry.Role
	Window string
	Body   string
}

// briefHeader is the accepted front matter key set.
type briefHeader struct {
	Role   string `yaml:"role"`
	Window string `yaml:"window"`
}

const frontMatterFence = "---"

// ParseBrief splits optional front matter from a briefing document. A
// document without front matter is all body with the custom role.
func ParseBrief(data []byte) (Brief, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	b := Brief{Role: registry.RoleCustom, Body: text}

	rest, ok := strings.CutPrefix(text, frontMatterFence+"\n")
	if !ok {
		return b, nil
	}
	var head, body string
	if after, found := strings.CutPrefix(rest, frontMatterFence); found {
		body = after
	} else if h, tail, found := strings.Cut(rest, "\n"+frontMatterFence); found {
		head, body = h, tail
	} else {
		return Brief{}, fmt.Errorf("front matter never closes")
	}

	var hdr briefHeader
	if err := yaml.Unmarshal([]byte(head), &hdr); err != nil {
		return Brief{}, fmt.Errorf("parse front matter: %w", err)
	}
	if hdr.Role != "" {
		role, err := registry.ParseRole(hdr.Role)
		if err != nil {
			return Brief{}, fmt.Errorf("front matter: %w", err)
		}
		b.Role = role
	}
	b.Window = hdr.Window
	b.Body = strings.TrimLeft(body, "\n")
	return b, nil
}

// LoadBrief reads and parses a briefing file.
func LoadBrief(path string) (Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Brief{}, fmt.Errorf("read briefing: %w", err)
	}
	b, err := ParseBrief(data)
	if err != nil {
		return Brief{}, fmt.Errorf("briefing %s: %w", path, err)
	}
	return b, nil
}
