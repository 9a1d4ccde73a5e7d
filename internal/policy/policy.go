// Package policy is the last synchronous gate before a proposal reaches a
// sandboxed process. Checks are data-driven: operators tighten the lists in
// policy.yaml without code changes.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/go-janus/internal/proposal"
	"gopkg.in/yaml.v3"
)

// Violation codes.
const (
	CodeRiskCeiling         = "risk_ceiling"
	CodeForbiddenTool       = "forbidden_tool"
	CodeForbiddenPattern    = "forbidden_pattern"
	CodeForbiddenShellToken = "forbidden_shell_token"
	CodePathTraversal       = "path_traversal"
	CodePrivilegedCommand   = "privileged_command"
)

var ErrViolation = errors.New("policy violation")

// Violation is a hard policy failure. errors.Is(err, ErrViolation) matches it.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string { return v.Message }

func (v *Violation) Is(target error) bool { return target == ErrViolation }

func violation(code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Checker is what the execution engine depends on.
type Checker interface {
	EnforcePolicy(p *proposal.ActionProposal) error
	ValidateCommandSafety(p *proposal.ActionProposal) ([]string, error)
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	MaxRiskLevel      string   `yaml:"max_risk_level"`
	ForbiddenTools    []string `yaml:"forbidden_tools"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	ShellTokens       []string `yaml:"forbidden_shell_tokens"`
	PrivilegedTokens  []string `yaml:"privileged_tokens"`
	SuspiciousChars   []string `yaml:"suspicious_chars"`
}

func Default() Policy {
	return Policy{
		MaxRiskLevel:      "low",
		ForbiddenTools:    []string{"systemctl", "reboot", "shutdown", "sudo"},
		ForbiddenPatterns: []string{"rm -rf", "wget ", "curl http://", "curl https://", "scp "},
		ShellTokens:       []string{"sudo", "systemctl", "reboot", "shutdown", "pkexec", "iptables"},
		PrivilegedTokens:  []string{"sudo", "su", "doas", "pkexec"},
		SuspiciousChars:   []string{";", "|", "&", "`", "$", "(", ")", "<", ">", "\n"},
	}
}

// Load reads policy.yaml. A missing or empty file yields Default(). Lists
// omitted from the file keep their defaults.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	p := Default()
	if len(data) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if _, err := proposal.ParseRiskLevel(p.MaxRiskLevel); err != nil {
		return fmt.Errorf("policy max_risk_level: %w", err)
	}
	for _, pat := range p.ForbiddenPatterns {
		if pat == "" {
			return fmt.Errorf("policy forbidden_patterns: empty pattern")
		}
	}
	return nil
}

func (p Policy) maxRisk() proposal.RiskLevel {
	r, err := proposal.ParseRiskLevel(p.MaxRiskLevel)
	if err != nil {
		return proposal.RiskLow
	}
	return r
}

// EnforcePolicy checks the risk ceiling, tool denylist, argument patterns and,
// for the shell tool, individual privileged tokens.
func (p Policy) EnforcePolicy(ap *proposal.ActionProposal) error {
	if ceiling := p.maxRisk(); ap.RiskLevel > ceiling || !ap.RiskLevel.Valid() {
		return violation(CodeRiskCeiling, "proposal risk level %s exceeds allowed maximum %s", ap.RiskLevel, ceiling)
	}
	if slices.Contains(p.ForbiddenTools, ap.ToolName) {
		return violation(CodeForbiddenTool, "tool '%s' is forbidden for autonomous execution", ap.ToolName)
	}
	combined := strings.Join(ap.ToolArgs, " ")
	for _, pat := range p.ForbiddenPatterns {
		if pat != "" && strings.Contains(combined, pat) {
			return violation(CodeForbiddenPattern, "proposal arguments contain forbidden pattern '%s'", pat)
		}
	}
	if ap.ToolName == "shell" {
		for _, tok := range ap.ToolArgs {
			clean := strings.TrimSpace(tok)
			if slices.Contains(p.ShellTokens, clean) {
				return violation(CodeForbiddenShellToken, "shell token '%s' is not permitted during autonomous execution", clean)
			}
		}
	}
	return nil
}

// ValidateCommandSafety returns the suspicious characters found in the
// arguments as warnings. Path traversal and privileged tokens are fatal.
func (p Policy) ValidateCommandSafety(ap *proposal.ActionProposal) ([]string, error) {
	combined := strings.Join(ap.ToolArgs, " ")
	var warnings []string
	for _, ch := range p.SuspiciousChars {
		if ch != "" && strings.Contains(combined, ch) {
			warnings = append(warnings, ch)
		}
	}
	for _, arg := range ap.ToolArgs {
		if strings.Contains(arg, "..") && strings.Contains(arg, "/") {
			return warnings, violation(CodePathTraversal, "path traversal detected in argument: %s", arg)
		}
	}
	for _, tok := range p.PrivilegedTokens {
		if slices.Contains(ap.ToolArgs, tok) {
			return warnings, violation(CodePrivilegedCommand, "privileged command not allowed: %s", tok)
		}
	}
	return warnings, nil
}

func (p Policy) PolicyVersion() string { return policyVersionFor(p) }

// LivePolicy wraps a Policy with thread-safe reload and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial snapshot. If path is
// non-empty, runtime mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) EnforcePolicy(ap *proposal.ActionProposal) error {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.EnforcePolicy(ap)
}

func (lp *LivePolicy) ValidateCommandSafety(ap *proposal.ActionProposal) ([]string, error) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ValidateCommandSafety(ap)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// ForbidTool adds a tool to the denylist at runtime and persists the change.
func (lp *LivePolicy) ForbidTool(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty tool name")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if slices.Contains(lp.data.ForbiddenTools, name) {
		return nil
	}
	lp.data.ForbiddenTools = append(lp.data.ForbiddenTools, name)
	return lp.persist()
}

// ForbidPattern adds an argument substring to the denylist and persists it.
func (lp *LivePolicy) ForbidPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if slices.Contains(lp.data.ForbiddenPatterns, pattern) {
		return nil
	}
	lp.data.ForbiddenPatterns = append(lp.data.ForbiddenPatterns, pattern)
	return lp.persist()
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a deep copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ForbiddenTools = slices.Clone(lp.data.ForbiddenTools)
	cp.ForbiddenPatterns = slices.Clone(lp.data.ForbiddenPatterns)
	cp.ShellTokens = slices.Clone(lp.data.ShellTokens)
	cp.PrivilegedTokens = slices.Clone(lp.data.PrivilegedTokens)
	cp.SuspiciousChars = slices.Clone(lp.data.SuspiciousChars)
	return cp
}

// ReloadFromFile updates the live policy only when the file parses and
// validates. On error the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("max=" + strings.ToLower(p.MaxRiskLevel) + "|"))
	for _, list := range [][]string{p.ForbiddenTools, p.ForbiddenPatterns, p.ShellTokens, p.PrivilegedTokens, p.SuspiciousChars} {
		for _, v := range list {
			_, _ = h.Write([]byte(v + "|"))
		}
		_, _ = h.Write([]byte("#"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
