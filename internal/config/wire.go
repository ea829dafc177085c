package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/orbit/internal/extensions"
	"github.com/haasonsaas/orbit/internal/mcp"
	"github.com/haasonsaas/orbit/internal/skills"
	"github.com/haasonsaas/orbit/internal/tools/policy"
)

// RegisterExtensions connects every ExtensionConfig entry and adds it to
// mgr under its configured key. Stdio/HTTP entries become an MCP client
// over the matching transport (internal/mcp.NewClient); "builtin" entries
// with Builtin == "code_execution" are wired back into mgr.DispatchToolCall
// itself, the same self-referential construction code_execution.go
// documents as its normal use.
//
// RegisterExtensions connects eagerly and returns the first connection
// error, leaving already-registered extensions in place; callers that
// want partial startup to continue past one bad server should filter cfg
// before calling this.
func RegisterExtensions(ctx context.Context, mgr *extensions.Manager, cfgs []ExtensionConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, ec := range cfgs {
		client, err := buildExtensionClient(ctx, mgr, ec, logger)
		if err != nil {
			return fmt.Errorf("config: build extension %q: %w", ec.Key, err)
		}
		if err := mgr.Add(ec.Key, client); err != nil {
			return fmt.Errorf("config: register extension %q: %w", ec.Key, err)
		}
	}
	return nil
}

// BuildPolicy converts a ToolsConfig into a policy.Policy suitable for
// Orchestrator.SetDefaultPolicy. An empty Profile defaults to
// policy.ProfileFull, matching this binary's historical behavior of
// allowing every registered tool unless a rule says otherwise.
func BuildPolicy(tc ToolsConfig) *policy.Policy {
	profile := policy.Profile(tc.Profile)
	if profile == "" {
		profile = policy.ProfileFull
	}
	return &policy.Policy{
		Profile: profile,
		Allow:   tc.Allow,
		Deny:    tc.Deny,
	}
}

func buildExtensionClient(ctx context.Context, mgr *extensions.Manager, ec ExtensionConfig, logger *slog.Logger) (extensions.Client, error) {
	switch ec.Kind {
	case "stdio", "http":
		transport := mcp.TransportStdio
		if ec.Kind == "http" {
			transport = mcp.TransportHTTP
		}
		serverCfg := &mcp.ServerConfig{
			ID:        ec.Key,
			Name:      ec.Key,
			Transport: transport,
			Command:   ec.Command,
			Args:      ec.Args,
			Env:       ec.Env,
			WorkDir:   ec.WorkDir,
			URL:       ec.URL,
			Headers:   ec.Headers,
			Timeout:   ec.Timeout,
			AutoStart: true,
		}
		if err := serverCfg.Validate(); err != nil {
			return nil, err
		}
		client := mcp.NewClient(serverCfg, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return extensions.NewMCPClient(client), nil
	case "builtin":
		switch ec.Builtin {
		case extensions.CodeExecutionKey, "":
			dispatch := func(ctx context.Context, name string, arguments []byte) (extensions.CallResult, error) {
				return mgr.DispatchToolCall(ctx, "", name, arguments)
			}
			return extensions.NewCodeExecutor(dispatch, nil), nil
		case extensions.SkillsKey:
			workspace := ec.WorkDir
			if workspace == "" {
				workspace = "."
			}
			skillsMgr, err := skills.NewManager(nil, workspace, nil)
			if err != nil {
				return nil, fmt.Errorf("build skills manager: %w", err)
			}
			if err := skillsMgr.Discover(ctx); err != nil {
				return nil, fmt.Errorf("discover skills: %w", err)
			}
			return extensions.NewSkillsClient(skillsMgr), nil
		default:
			return nil, fmt.Errorf("unknown builtin %q", ec.Builtin)
		}
	default:
		return nil, fmt.Errorf("unknown extension kind %q", ec.Kind)
	}
}
