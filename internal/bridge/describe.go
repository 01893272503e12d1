package bridge

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// Command annotations the reflection walk reads. Groups mark their
// subcommands with these so the tool surface knows what each action needs
// without parsing Use strings.
const (
	// AnnotationTarget set to "required" marks an action whose first
	// positional is an agent target.
	AnnotationTarget = "bridge.target"
	// AnnotationArgs names the remaining positionals in order, separated
	// by spaces; a trailing "?" marks an optional one ("title body?").
	AnnotationArgs = "bridge.args"
)

// ArgDescriptor is one named positional of an action.
type ArgDescriptor struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`
}

// ActionDescriptor is one invocable subcommand of a group.
type ActionDescriptor struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	RequiresTarget bool            `json:"requires_target,omitempty"`
	Args           []ArgDescriptor `json:"args,omitempty"`
}

// MinArgs is how many positionals (beyond the target) the action needs.
func (a ActionDescriptor) MinArgs() int {
	n := 0
	for _, arg := range a.Args {
		if !arg.Optional {
			n++
		}
	}
	return n
}

// CommandDescriptor is one top-level group and its actions.
type CommandDescriptor struct {
	Group       string             `json:"group"`
	Description string             `json:"description"`
	Actions     []ActionDescriptor `json:"actions"`
}

// Describe walks the command tree into descriptors. The walk is sorted, so
// the same tree always yields the same list. Only commands with
// subcommands become groups; bare verbs like version stay CLI-only.
func Describe(root *cobra.Command) []CommandDescriptor {
	var descs []CommandDescriptor
	for _, cmd := range root.Commands() {
		if skipCommand(cmd) || !cmd.HasSubCommands() {
			continue
		}
		d := CommandDescriptor{
			Group:       cmd.Name(),
			Description: cmd.Short,
		}
		for _, sub := range cmd.Commands() {
			if skipCommand(sub) {
				continue
			}
			d.Actions = append(d.Actions, ActionDescriptor{
				Name:           sub.Name(),
				Description:    sub.Short,
				RequiresTarget: sub.Annotations[AnnotationTarget] == "required",
				Args:           parseArgAnnotation(sub.Annotations[AnnotationArgs]),
			})
		}
		sort.Slice(d.Actions, func(i, j int) bool { return d.Actions[i].Name < d.Actions[j].Name })
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Group < descs[j].Group })
	return descs
}

func skipCommand(cmd *cobra.Command) bool {
	if cmd.Hidden || cmd.IsAdditionalHelpTopicCommand() {
		return true
	}
	switch cmd.Name() {
	case "help", "completion":
		return true
	}
	return false
}

func parseArgAnnotation(s string) []ArgDescriptor {
	if s == "" {
		return nil
	}
	var args []ArgDescriptor
	for _, field := range strings.Fields(s) {
		name, optional := strings.CutSuffix(field, "?")
		args = append(args, ArgDescriptor{Name: name, Optional: optional})
	}
	return args
}
