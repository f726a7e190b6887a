package readme

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		repoID string
		want   string
	}{
		{"user/my-cool-lora", "My Cool Lora"},
		{"lucataco/flux-dev-lora", "Flux Dev Lora"},
		{"solo-repo", "solo-repo"},
		{"org/team/deep-name", "Deep Name"},
		{"user/ALLCAPS", "Allcaps"},
	}
	for _, tt := range tests {
		t.Run(tt.repoID, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.repoID))
		})
	}
}

func TestRender_WithTriggerWord(t *testing.T) {
	out := Render(DefaultTemplate(), "user/my-cool-lora", "CYBRPNK")

	assert.Contains(t, out, "# My Cool Lora\n")
	assert.Contains(t, out, "load_lora_weights('user/my-cool-lora'")
	assert.Contains(t, out, "## Trigger words\nYou should use `CYBRPNK` to trigger the image generation.")
	assert.Contains(t, out, "instance_prompt: CYBRPNK\n")
	for _, p := range []string{PlaceholderRepoID, PlaceholderTitle, PlaceholderTriggerSection, PlaceholderInstancePrompt} {
		assert.NotContains(t, out, p)
	}
}

func TestRender_WithoutTriggerWord(t *testing.T) {
	out := Render(DefaultTemplate(), "solo", "")

	assert.Contains(t, out, "# solo\n")
	assert.NotContains(t, out, "Trigger words")
	assert.NotContains(t, out, "instance_prompt")
	assert.NotContains(t, out, PlaceholderTriggerSection)
}

func TestRender_CustomTemplate(t *testing.T) {
	tmpl := "[title]|[hf_repo_id]|[trigger_section]|[instance_prompt]|[title]"
	out := Render(tmpl, "a/b-c", "X")
	parts := strings.Split(out, "|")
	require.Len(t, parts, 5)
	assert.Equal(t, "B C", parts[0])
	assert.Equal(t, "a/b-c", parts[1])
	assert.Equal(t, "instance_prompt: X", parts[3])
	assert.Equal(t, "B C", parts[4])
}

func TestLoadTemplate(t *testing.T) {
	got, err := LoadTemplate("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplate(), got)

	path := filepath.Join(t.TempDir(), "card.md")
	require.NoError(t, os.WriteFile(path, []byte("# [title]"), 0o644))
	got, err = LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "# [title]", got)

	_, err = LoadTemplate(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "# [title]\n", "user/my-cool-lora", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "README.md"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# My Cool Lora\n", string(body))
}
