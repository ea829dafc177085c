package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/orbit/internal/skills"
)

// SkillsKey is the reserved extension key for the skills built-in.
const SkillsKey = "skills"

// SkillsClient implements Client for the skills platform built-in, backed
// by a skills.Manager. It exposes the discovered, gating-eligible skills
// to the model as two tools: one to enumerate them and one to load a
// skill's full instructions into the conversation.
type SkillsClient struct {
	mgr *skills.Manager
}

// NewSkillsClient builds the skills built-in over mgr. The caller is
// expected to have run mgr.Discover already.
func NewSkillsClient(mgr *skills.Manager) *SkillsClient {
	return &SkillsClient{mgr: mgr}
}

func (c *SkillsClient) Tools(ctx context.Context) ([]ToolDef, error) {
	return []ToolDef{
		{
			Name:        "skill_list",
			Description: "List the skills available in this workspace, with a one-line description of each.",
			InputSchema: []byte(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "skill_view",
			Description: "Load a skill's full instructions by name.",
			InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		},
	}, nil
}

func (c *SkillsClient) Call(ctx context.Context, tool string, arguments []byte) (CallResult, error) {
	switch tool {
	case "skill_list":
		entries := c.mgr.ListEligible()
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s — %s\n", e.Name, e.Description)
		}
		ineligible := c.mgr.GetIneligibleReasons()
		if len(ineligible) > 0 {
			names := make([]string, 0, len(ineligible))
			for name := range ineligible {
				names = append(names, name)
			}
			sort.Strings(names)
			sb.WriteString("\nUnavailable:\n")
			for _, name := range names {
				fmt.Fprintf(&sb, "%s — %s\n", name, ineligible[name])
			}
		}
		if sb.Len() == 0 {
			sb.WriteString("no skills discovered")
		}
		return CallResult{Content: textContent(sb.String())}, nil

	case "skill_view":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(arguments, &in); err != nil {
			return CallResult{}, fmt.Errorf("decode skill_view arguments: %w", err)
		}
		if _, ok := c.mgr.GetEligible(in.Name); !ok {
			if result, err := c.mgr.CheckEligibility(in.Name); err == nil && !result.Eligible {
				return CallResult{Content: textContent(fmt.Sprintf("skill %q is unavailable: %s", in.Name, result.Reason)), IsError: true}, nil
			}
			return CallResult{Content: textContent(fmt.Sprintf("no such skill: %q", in.Name)), IsError: true}, nil
		}
		content, err := c.mgr.LoadContent(in.Name)
		if err != nil {
			return CallResult{Content: textContent(err.Error()), IsError: true}, nil
		}
		return CallResult{Content: textContent(content)}, nil

	default:
		return CallResult{}, fmt.Errorf("skills has no tool %q", tool)
	}
}

// ReadResource serves skill bodies as skill://<name> resources.
func (c *SkillsClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	name, ok := strings.CutPrefix(uri, "skill://")
	if !ok {
		return nil, "", false, fmt.Errorf("skills: unsupported resource uri %q", uri)
	}
	content, err := c.mgr.LoadContent(name)
	if err != nil {
		return nil, "", false, err
	}
	return []byte(content), "text/markdown", true, nil
}

func (c *SkillsClient) Close() error {
	return c.mgr.Close()
}
