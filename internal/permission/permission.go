// Package permission implements the Permission record and the Agent
// Orchestrator's confirmation round trip. A Manager holds one process-wide, mutex-guarded map
// per session of {tool_name -> Rule}; Always* decisions persist into that
// map, One-shot decisions do not. Grounded on the mutex-guarded-registry
// shape of internal/extensions/manager.go, generalized from "extension
// registrations" to "per-session tool permission rules."
package permission

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/orbit/internal/tools/policy"
)

// Rule is the persisted decision for one tool.
type Rule string

const (
	// AskBefore means the orchestrator must emit an ActionRequired
	// confirmation event and await a decision before dispatching.
	AskBefore Rule = "ask_before"
	// AllowedList means the tool call is dispatched without confirmation.
	AllowedList Rule = "allowed"
	// DeniedList means the tool call is never dispatched; a synthesized
	// error ToolResponse is produced instead.
	DeniedList Rule = "denied"
)

// Decision is the caller's answer to one ActionRequired::ToolConfirmation
// event.
type Decision string

const (
	AllowOnce   Decision = "allow_once"
	AlwaysAllow Decision = "always_allow"
	DenyOnce    Decision = "deny_once"
	AlwaysDeny  Decision = "always_deny"
	Cancel      Decision = "cancel"
)

// Manager is process-wide shared state with its own lock: reads
// (evaluating a tool call) are cheap and frequent; writes (Always*
// decisions) are rare.
type Manager struct {
	mu    sync.RWMutex
	rules map[string]map[string]Rule // sessionID -> toolName -> Rule
}

// NewManager creates an empty permission Manager.
func NewManager() *Manager {
	return &Manager{rules: make(map[string]map[string]Rule)}
}

// RuleFor returns the persisted rule for toolName in sessionID, defaulting
// to AskBefore when no rule has been recorded.
func (m *Manager) RuleFor(sessionID, toolName string) Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.rules[sessionID]; ok {
		if r, ok := session[toolName]; ok {
			return r
		}
	}
	return AskBefore
}

// SetRule persists a rule for toolName in sessionID (used by AlwaysAllow/
// AlwaysDeny decisions and by pre-seeding a session from stored extension
// data).
func (m *Manager) SetRule(sessionID, toolName string, rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.rules[sessionID]
	if !ok {
		session = make(map[string]Rule)
		m.rules[sessionID] = session
	}
	session[toolName] = rule
}

// Apply folds a confirmation Decision into the persisted Rule set and
// reports whether the tool call should be dispatched. Cancel aborts the
// whole turn and is reported back to the caller as dispatch=false; the
// caller must distinguish "denied" from "cancelled" by checking d itself.
func (m *Manager) Apply(sessionID, toolName string, d Decision) (dispatch bool) {
	switch d {
	case AllowOnce:
		return true
	case AlwaysAllow:
		m.SetRule(sessionID, toolName, AllowedList)
		return true
	case DenyOnce:
		return false
	case AlwaysDeny:
		m.SetRule(sessionID, toolName, DeniedList)
		return false
	case Cancel:
		return false
	default:
		return false
	}
}

// Snapshot returns the persisted rules for sessionID, for embedding into
// the session's extension_data blob.
func (m *Manager) Snapshot(sessionID string) map[string]Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.rules[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string]Rule, len(session))
	for k, v := range session {
		out[k] = v
	}
	return out
}

// Load replaces the persisted rules for sessionID, used when a session is
// resumed and its extension_data is replayed.
func (m *Manager) Load(sessionID string, rules map[string]Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rules) == 0 {
		delete(m.rules, sessionID)
		return
	}
	cp := make(map[string]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	m.rules[sessionID] = cp
}

// SeedFromPolicy pre-populates sessionID's rules from p: every tool named
// directly or through a "group:*" reference in p.Profile's defaults or
// p.Allow becomes AllowedList, everything in p.Deny becomes DeniedList
// (checked second, so deny always wins ties), and anything neither list
// names keeps its AskBefore default. It does not overwrite a rule already
// recorded for sessionID, so calling it more than once, or after a
// caller's own SetRule calls, is safe.
func (m *Manager) SeedFromPolicy(sessionID string, p *policy.Policy) {
	if p == nil {
		return
	}

	allow := map[string]bool{}
	if defaults, ok := policy.ProfileDefaults[p.Profile]; ok {
		expandToolNames(defaults.Allow, allow)
	}
	expandToolNames(p.Allow, allow)

	deny := map[string]bool{}
	expandToolNames(p.Deny, deny)

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.rules[sessionID]
	if !ok {
		session = make(map[string]Rule)
		m.rules[sessionID] = session
	}
	for tool := range allow {
		if _, set := session[tool]; !set {
			session[tool] = AllowedList
		}
	}
	for tool := range deny {
		session[tool] = DeniedList
	}
}

// expandToolNames resolves each name into out: a "group:*" name expands to
// every tool policy.DefaultGroups lists for it, anything else is normalized
// through policy.NormalizeTool and added directly. Unknown groups (e.g. the
// dynamically-populated "group:mcp") and MCP wildcard references
// ("mcp:*", "mcp:server.*") expand to nothing here, since a Rule is keyed by
// one concrete tool name; those are left at the default AskBefore decision.
func expandToolNames(names []string, out map[string]bool) {
	for _, name := range names {
		if strings.HasPrefix(name, "group:") {
			for _, tool := range policy.DefaultGroups[name] {
				out[policy.NormalizeTool(tool)] = true
			}
			continue
		}
		if policy.IsMCPTool(name) {
			continue
		}
		out[policy.NormalizeTool(name)] = true
	}
}

// MarshalJSON/UnmarshalJSON helpers for embedding a session's rule set
// into its extension_data JSON blob.

// EncodeRules serializes a rule set for persistence.
func EncodeRules(rules map[string]Rule) (json.RawMessage, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	return json.Marshal(rules)
}

// DecodeRules deserializes a rule set previously written by EncodeRules.
func DecodeRules(data json.RawMessage) (map[string]Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rules map[string]Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode permission rules: %w", err)
	}
	return rules, nil
}
