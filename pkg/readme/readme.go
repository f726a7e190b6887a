// Package readme renders the model card published alongside trained weights.
package readme

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	templatesassets "github.com/3leaps/loraforge/internal/assets/templates"
)

// FileName is the model card file name inside the published directory.
const FileName = "README.md"

// Template placeholders, replaced literally.
const (
	PlaceholderRepoID         = "[hf_repo_id]"
	PlaceholderTitle          = "[title]"
	PlaceholderTriggerSection = "[trigger_section]"
	PlaceholderInstancePrompt = "[instance_prompt]"
)

// DefaultTemplate returns the embedded model card template.
func DefaultTemplate() string {
	return templatesassets.LoraReadme
}

// LoadTemplate reads a template file, or returns the embedded template when
// path is empty.
func LoadTemplate(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read readme template: %w", err)
	}
	return string(data), nil
}

// Title derives a display title from a repository id: the last path segment
// with hyphens turned into spaces and title-cased. An id without '/' is
// returned unchanged.
func Title(repoID string) string {
	i := strings.LastIndex(repoID, "/")
	if i < 0 {
		return repoID
	}
	name := strings.ReplaceAll(repoID[i+1:], "-", " ")
	return cases.Title(language.Und).String(name)
}

// TriggerSection is the block substituted for [trigger_section].
func TriggerSection(triggerWord string) string {
	if triggerWord == "" {
		return ""
	}
	return fmt.Sprintf("\n## Trigger words\nYou should use `%s` to trigger the image generation.\n", triggerWord)
}

// InstancePrompt is the front-matter line substituted for [instance_prompt].
func InstancePrompt(triggerWord string) string {
	if triggerWord == "" {
		return ""
	}
	return "instance_prompt: " + triggerWord
}

// Render fills tmpl for the given repository and trigger word.
func Render(tmpl, repoID, triggerWord string) string {
	r := strings.NewReplacer(
		PlaceholderRepoID, repoID,
		PlaceholderTitle, Title(repoID),
		PlaceholderTriggerSection, TriggerSection(triggerWord),
		PlaceholderInstancePrompt, InstancePrompt(triggerWord),
	)
	return r.Replace(tmpl)
}

// Write renders tmpl into dir/README.md and returns the file path.
func Write(dir, tmpl, repoID, triggerWord string) (string, error) {
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(Render(tmpl, repoID, triggerWord)), 0o644); err != nil {
		return "", fmt.Errorf("write readme: %w", err)
	}
	return path, nil
}
