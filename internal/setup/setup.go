// Package setup prepares a workstation for the fleet: it verifies the
// tools muxfleet shells out to and writes the client configs that let
// coding agents reach the tool server.
package setup

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/store"
)

// CheckResult is one probe's verdict. Optional checks report state
// without failing the run.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// CheckRequirements probes only what muxfleet cannot run without: tmux
// and the agent command.
func CheckRequirements(cfg *config.Config) []CheckResult {
	return []CheckResult{
		tmuxCheck(),
		binaryCheck("agent command", cfg.Agent.Command),
	}
}

// CheckEnvironment runs the full preflight: requirements plus git, the
// state directories, the database, and whether a daemon is up.
func CheckEnvironment(cfg *config.Config) []CheckResult {
	results := CheckRequirements(cfg)
	results = append(results,
		binaryCheck("git", "git"),
		dirsCheck(cfg),
		storeCheck(cfg),
		daemonCheck(cfg),
	)
	return results
}

// Passed reports whether every required check is green.
func Passed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK && !r.Optional {
			return false
		}
	}
	return true
}

func tmuxCheck() CheckResult {
	res := CheckResult{Name: "tmux"}
	path, err := exec.LookPath("tmux")
	if err != nil {
		res.Detail = "not found in PATH"
		return res
	}
	res.OK = true
	res.Detail = path
	if out, err := exec.Command("tmux", "-V").Output(); err == nil {
		res.Detail = strings.TrimSpace(string(out))
	}
	return res
}

func binaryCheck(label, name string) CheckResult {
	res := CheckResult{Name: label}
	if name == "" {
		res.Detail = "no command configured"
		return res
	}
	path, err := exec.LookPath(name)
	if err != nil {
		res.Detail = fmt.Sprintf("%s not found in PATH", name)
		return res
	}
	res.OK = true
	res.Detail = path
	return res
}

func dirsCheck(cfg *config.Config) CheckResult {
	res := CheckResult{Name: "state directories"}
	if err := cfg.EnsureDirs(); err != nil {
		res.Detail = err.Error()
		return res
	}
	res.OK = true
	res.Detail = cfg.BasePath
	return res
}

func storeCheck(cfg *config.Config) CheckResult {
	res := CheckResult{Name: "database"}
	st, err := store.Open(cfg.DBPath(), logging.Nop())
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	st.Close()
	res.OK = true
	res.Detail = cfg.DBPath()
	return res
}

// daemonCheck is informational: a dead daemon is a normal state, not a
// broken install.
func daemonCheck(cfg *config.Config) CheckResult {
	res := CheckResult{Name: "daemon", Optional: true}
	conn, err := net.DialTimeout("tcp", cfg.Daemon.HTTPAddr, time.Second)
	if err != nil {
		res.Detail = "not running (muxfleet daemon start)"
		return res
	}
	conn.Close()
	res.OK = true
	res.Detail = "reachable at " + cfg.Daemon.HTTPAddr
	return res
}
