package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phrazzld/agentrund/internal/model"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveTeam_Found(t *testing.T) {
	dir := t.TempDir()
	teamsPath := writeYAML(t, dir, "teams.yaml", "reviewers:\n  - alice\n  - bob\n")
	c := New(teamsPath, "", "", "")

	members, err := c.ResolveTeam("reviewers")
	if err != nil {
		t.Fatalf("ResolveTeam: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("members = %v, want [alice bob] in declared order", members)
	}
}

func TestResolveTeam_UnknownErrors(t *testing.T) {
	dir := t.TempDir()
	teamsPath := writeYAML(t, dir, "teams.yaml", "reviewers:\n  - alice\n")
	c := New(teamsPath, "", "", "")

	if _, err := c.ResolveTeam("ghost"); err == nil {
		t.Fatal("expected an error for an unknown team")
	}
}

func TestResolveTeam_MissingFileTreatedAsEmpty(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist.yaml"), "", "", "")
	if _, err := c.ResolveTeam("anything"); err == nil {
		t.Fatal("expected unknown-team error when the catalog file doesn't exist")
	}
}

func TestDiscoverAgents_ScopeFiltersSource(t *testing.T) {
	dir := t.TempDir()
	userPath := writeYAML(t, dir, "user-agents.yaml", "alice:\n  system_prompt: you are alice\n")
	projectPath := writeYAML(t, dir, "project-agents.yaml", "bob:\n  system_prompt: you are bob\n")
	c := New("", "", userPath, projectPath)

	userOnly, err := c.DiscoverAgents("user")
	if err != nil {
		t.Fatalf("DiscoverAgents(user): %v", err)
	}
	if _, ok := userOnly["alice"]; !ok {
		t.Fatal("expected alice in user scope")
	}
	if _, ok := userOnly["bob"]; ok {
		t.Fatal("did not expect bob in user scope")
	}
	if userOnly["alice"].Source != model.AgentSourceUser {
		t.Fatalf("Source = %v, want user", userOnly["alice"].Source)
	}
}

func TestDiscoverAgents_BothScopeMergesUserAndProject(t *testing.T) {
	dir := t.TempDir()
	userPath := writeYAML(t, dir, "user-agents.yaml", "alice:\n  system_prompt: p1\n")
	projectPath := writeYAML(t, dir, "project-agents.yaml", "bob:\n  system_prompt: p2\n")
	c := New("", "", userPath, projectPath)

	both, err := c.DiscoverAgents("both")
	if err != nil {
		t.Fatalf("DiscoverAgents(both): %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected 2 agents merged, got %d", len(both))
	}
}

func TestResolvePipeline_Found(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "pipelines.yaml", `
deploy:
  build_only: true
  steps:
    - agent: builder
      prompt_template: "$INPUT"
    - agent: shipper
      prompt_template: "$INPUT then ship"
`)
	c := New("", path, "", "")

	spec, err := c.ResolvePipeline("deploy")
	if err != nil {
		t.Fatalf("ResolvePipeline: %v", err)
	}
	if !spec.BuildOnly {
		t.Fatal("expected BuildOnly=true")
	}
	if len(spec.Steps) != 2 || spec.Steps[0].Agent != "builder" || spec.Steps[1].Agent != "shipper" {
		t.Fatalf("unexpected steps: %+v", spec.Steps)
	}
}

func TestResolvePipeline_UnknownErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "pipelines.yaml", "deploy:\n  steps: []\n")
	c := New("", path, "", "")

	if _, err := c.ResolvePipeline("ghost"); err == nil {
		t.Fatal("expected an error for an unknown pipeline")
	}
}
