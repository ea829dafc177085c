package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/orbit/internal/tools/naming"
	"github.com/haasonsaas/orbit/pkg/models"
)

// ErrDuplicateExtension is returned by Manager.Add when the key is already
// registered.
var ErrDuplicateExtension = errors.New("extension already registered")

// ErrUnknownExtension is returned when a tool name's prefix does not match
// any registered extension.
var ErrUnknownExtension = errors.New("unknown extension")

// prefixSeparator joins an extension key to its tool names in the routed
// namespace the Provider sees ("{extension_key}__{tool_name}").
const prefixSeparator = "__"

// ToolDef describes one tool a Client exposes, before prefixing.
type ToolDef struct {
	Name        string
	Description string
	InputSchema []byte
}

// CallResult is the outcome of a dispatched tool call.
type CallResult struct {
	Content           []models.ToolResultContent
	StructuredContent []byte
	IsError           bool
	Meta              []byte
}

// Client is implemented by every extension variant (Stdio, Streamable
// HTTP, platform built-in, frontend-reserved).
type Client interface {
	// Tools lists the tools this client currently exposes, unprefixed.
	Tools(ctx context.Context) ([]ToolDef, error)

	// Call invokes a tool by its unprefixed name. Implementations must
	// return promptly when ctx is cancelled.
	Call(ctx context.Context, tool string, arguments []byte) (CallResult, error)

	// ReadResource fetches a resource by URI. Returns the raw content,
	// its MIME type, and whether it is a text resource.
	ReadResource(ctx context.Context, uri string) (data []byte, mimeType string, isText bool, err error)

	// Close shuts the client down.
	Close() error
}

// registration pairs a Client with the key it was added under.
type registration struct {
	key    string
	client Client
}

// Manager owns the lifetime of every loaded extension and routes tool
// calls to them by prefix. It generalizes internal/mcp's
// Manager (connect/disconnect/find-by-name bookkeeping under a RWMutex)
// from "one client type, looked up by caller-supplied server ID" to "many
// client variants, looked up by the prefix baked into the tool name the
// Provider sees."
type Manager struct {
	mu     sync.RWMutex
	byKey  map[string]*registration
	order  []string // registration order, for stable list_tools output
	logger *slog.Logger

	// schemaMu guards schemas, the per-routed-name compiled input-schema
	// cache DispatchToolCall validates arguments against. A nil entry
	// records that the tool declares no (or an uncompilable) schema so the
	// client's Tools call is not repeated per dispatch.
	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byKey:   make(map[string]*registration),
		logger:  logger.With("component", "extensions"),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Add instantiates the registration for key. The caller has already
// handshaked and fetched the client's tool list via client.Tools; Add only
// performs the duplicate-name check and registers the client. On failure
// (duplicate key) the registry is left unchanged.
func (m *Manager) Add(key string, client Client) error {
	if strings.Contains(key, prefixSeparator) {
		return fmt.Errorf("extension key %q must not contain %q", key, prefixSeparator)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExtension, key)
	}

	m.byKey[key] = &registration{key: key, client: client}
	m.order = append(m.order, key)
	m.logger.Info("registered extension", "key", key)
	return nil
}

// Remove shuts down and deregisters the extension at key. Removing an
// unknown key is a no-op.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	reg, exists := m.byKey[key]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.byKey, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.schemaMu.Lock()
	for name := range m.schemas {
		if strings.HasPrefix(name, key+prefixSeparator) {
			delete(m.schemas, name)
		}
	}
	m.schemaMu.Unlock()

	m.logger.Info("removed extension", "key", key)
	return reg.client.Close()
}

// PrefixedTool is one routed tool entry as the Provider sees it.
type PrefixedTool struct {
	Name        string // "{key}__{tool}"
	SafeName    string // naming.ToolIdentity.SafeName, unique across every extension
	Description string
	InputSchema []byte
}

// ListTools enumerates every registered tool, prefixed with its
// extension's key, optionally restricted by filter (nil means no
// restriction). sessionID is accepted for parity with the operation
// contract; routing itself is global to the Manager, not per-session.
//
// Every extension is registered as an MCP source in naming's registry
// (Stdio, Streamable HTTP, and platform built-ins are all reached through
// the MCP wire protocol from the Provider's point of view) so two
// extensions that happen to produce the same sanitized name fail loudly
// here instead of silently shadowing one another in a provider's tool list.
func (m *Manager) ListTools(ctx context.Context, sessionID string, filter func(name string) bool) ([]PrefixedTool, error) {
	m.mu.RLock()
	regs := make([]*registration, len(m.order))
	for i, key := range m.order {
		regs[i] = m.byKey[key]
	}
	m.mu.RUnlock()

	registry := naming.NewToolRegistry()
	var out []PrefixedTool
	for _, reg := range regs {
		tools, err := reg.client.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools for %q: %w", reg.key, err)
		}
		for _, t := range tools {
			name := reg.key + prefixSeparator + t.Name
			if filter != nil && !filter(name) {
				continue
			}
			identity := naming.MCPTool(reg.key, t.Name)
			if err := registry.Register(identity); err != nil {
				return nil, fmt.Errorf("list tools: %w", err)
			}
			out = append(out, PrefixedTool{
				Name:        name,
				SafeName:    identity.SafeName,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out, nil
}

// splitPrefixed strips the "{key}__" prefix from a routed tool name.
func splitPrefixed(name string) (key, tool string, ok bool) {
	idx := strings.Index(name, prefixSeparator)
	if idx <= 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(prefixSeparator):], true
}

// DispatchToolCall looks up the extension by the prefix of name, strips
// it, and invokes the underlying tool. A name lacking "__" or carrying an
// unknown prefix fails with a clear error. Cancellation of ctx propagates to the client's Call.
func (m *Manager) DispatchToolCall(ctx context.Context, sessionID, name string, arguments []byte) (CallResult, error) {
	key, tool, ok := splitPrefixed(name)
	if !ok {
		return CallResult{}, fmt.Errorf("tool name %q is missing an extension prefix (\"key%stool\")", name, prefixSeparator)
	}

	m.mu.RLock()
	reg, exists := m.byKey[key]
	m.mu.RUnlock()
	if !exists {
		return CallResult{}, fmt.Errorf("%w: %q (from tool %q)", ErrUnknownExtension, key, name)
	}

	if err := m.validateArguments(ctx, reg, name, tool, arguments); err != nil {
		return CallResult{}, err
	}

	return reg.client.Call(ctx, tool, arguments)
}

// validateArguments checks arguments against the tool's declared JSON
// input schema before dispatch. Tools without a schema, and schemas that
// fail to compile (logged once), skip validation.
func (m *Manager) validateArguments(ctx context.Context, reg *registration, routed, tool string, arguments []byte) error {
	m.schemaMu.Lock()
	schema, cached := m.schemas[routed]
	m.schemaMu.Unlock()

	if !cached {
		schema = m.compileSchema(ctx, reg, routed, tool)
		m.schemaMu.Lock()
		m.schemas[routed] = schema
		m.schemaMu.Unlock()
	}
	if schema == nil {
		return nil
	}

	var value any
	if len(arguments) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(arguments, &value); err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", routed, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tool %q arguments rejected by input schema: %w", routed, err)
	}
	return nil
}

func (m *Manager) compileSchema(ctx context.Context, reg *registration, routed, tool string) *jsonschema.Schema {
	tools, err := reg.client.Tools(ctx)
	if err != nil {
		m.logger.Warn("list tools for schema validation", "extension", reg.key, "error", err)
		return nil
	}
	for _, t := range tools {
		if t.Name != tool || len(t.InputSchema) == 0 {
			continue
		}
		compiled, err := jsonschema.CompileString(routed+".schema.json", string(t.InputSchema))
		if err != nil {
			m.logger.Warn("tool input schema does not compile, skipping validation", "tool", routed, "error", err)
			return nil
		}
		return compiled
	}
	return nil
}

// ReadResource fetches a resource from the named extension.
func (m *Manager) ReadResource(ctx context.Context, uri, extensionName string) ([]byte, string, bool, error) {
	m.mu.RLock()
	reg, exists := m.byKey[extensionName]
	m.mu.RUnlock()
	if !exists {
		return nil, "", false, fmt.Errorf("%w: %q", ErrUnknownExtension, extensionName)
	}
	return reg.client.ReadResource(ctx, uri)
}

// Keys returns the registered extension keys in registration order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
