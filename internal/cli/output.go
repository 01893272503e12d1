package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/target"
)

// commandName derives the envelope label from the cobra path:
// "muxfleet agent list" becomes "agent.list".
func commandName(cmd *cobra.Command) string {
	parts := strings.Fields(cmd.CommandPath())
	if len(parts) <= 1 {
		return cmd.Name()
	}
	return strings.Join(parts[1:], ".")
}

// emit writes the command result: the response envelope in JSON mode,
// the human rendering otherwise.
func (a *App) emit(cmd *cobra.Command, data any, human func(w io.Writer)) error {
	if a.jsonMode {
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(bridge.OK(commandName(cmd), data))
	}
	if human != nil {
		human(cmd.OutOrStdout())
	}
	return nil
}

// invalidf builds a validation failure carrying its wire kind.
func invalidf(format string, args ...any) error {
	return bridge.WithKind(bridge.KindValidationError, fmt.Errorf(format, args...))
}

// notFoundf builds a lookup failure carrying its wire kind.
func notFoundf(format string, args ...any) error {
	return bridge.WithKind(bridge.KindNotFound, fmt.Errorf(format, args...))
}

// backendf builds an infrastructure failure carrying its wire kind.
func backendf(format string, args ...any) error {
	return bridge.WithKind(bridge.KindBackendError, fmt.Errorf(format, args...))
}

// parseTarget validates a positional agent address.
func parseTarget(arg string) (target.Target, error) {
	t, err := target.Parse(arg)
	if err != nil {
		return target.Target{}, bridge.WithKind(bridge.KindInvalidTargetFormat, err)
	}
	return t, nil
}

// errStrings flattens a partial-failure slice for envelope payloads.
func errStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
