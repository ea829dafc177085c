package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

const additionalInstructionsHeader = "# Additional Instructions:"

// PromptManager builds the system prompt for one reply-loop call. Extras and the override are Unicode-Tag-
// sanitized at render time; hint files are loaded once per call from the
// session's working directory upward.
type PromptManager struct {
	Base string
	// Extras are appended in order, each under its own
	// "# Additional Instructions:" header.
	Extras []string
	// Override, if set, replaces Base entirely.
	Override string
	// HintFilenames are checked in the working directory and each parent
	// up to the filesystem root (default: .goosehints, AGENTS.md).
	HintFilenames []string
	// CodeExecutionMode alters wording to instruct the model to batch
	// tool calls through the code_execution extension.
	CodeExecutionMode bool
	// Now returns the current time; overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

// NewPromptManager builds a PromptManager with this default hint
// filenames.
func NewPromptManager(base string) *PromptManager {
	return &PromptManager{
		Base:          base,
		HintFilenames: []string{".goosehints", "AGENTS.md"},
		Now:           time.Now,
	}
}

// Build renders the full system prompt for a reply-loop call against
// workingDir, enumerating the given extension keys for the "extensions
// list" section.
func (p *PromptManager) Build(workingDir string, extensionKeys []string) string {
	var b strings.Builder

	base := p.Base
	if p.Override != "" {
		base = p.Override
	}
	b.WriteString(models.StripUnicodeTags(base))
	b.WriteString("\n\n")

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	// Bucketed to the hour so identical prompts within the same hour
	// produce identical text, maximizing provider-side prompt caching.
	hourBucket := now().UTC().Truncate(time.Hour).Format("2006-01-02T15:00Z")
	b.WriteString("Current time (hour-bucketed for caching): ")
	b.WriteString(hourBucket)
	b.WriteString("\n")

	if len(extensionKeys) > 0 {
		b.WriteString("Available extensions: ")
		b.WriteString(strings.Join(extensionKeys, ", "))
		b.WriteString("\n")
	}

	if p.CodeExecutionMode {
		b.WriteString("\nBatch tool calls through code_execution's execute_code when a task needs several related tool calls in sequence.\n")
	}

	if hints := p.loadHints(workingDir); hints != "" {
		b.WriteString("\n")
		b.WriteString(additionalInstructionsHeader)
		b.WriteString("\n")
		b.WriteString(models.StripUnicodeTags(hints))
		b.WriteString("\n")
	}

	for _, extra := range p.Extras {
		if strings.TrimSpace(extra) == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(additionalInstructionsHeader)
		b.WriteString("\n")
		b.WriteString(models.StripUnicodeTags(extra))
		b.WriteString("\n")
	}

	return b.String()
}

// loadHints walks from workingDir up to the filesystem root, reading any
// of p.HintFilenames it finds, skipping paths excluded by a .gitignore
// found along the way.
func (p *PromptManager) loadHints(workingDir string) string {
	if workingDir == "" {
		return ""
	}
	dir := workingDir
	var ignore []string
	var found []string

	for {
		ignore = append(ignore, readGitignore(dir)...)

		for _, name := range p.HintFilenames {
			path := filepath.Join(dir, name)
			if isIgnored(path, dir, ignore) {
				continue
			}
			data, err := os.ReadFile(path)
			if err == nil {
				found = append(found, strings.TrimSpace(string(data)))
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return strings.Join(found, "\n\n")
}

func readGitignore(dir string) []string {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

func isIgnored(path, base string, patterns []string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	name := filepath.Base(rel)
	for _, pat := range patterns {
		pat = strings.TrimPrefix(pat, "/")
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}
