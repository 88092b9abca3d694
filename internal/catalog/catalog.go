// Package catalog loads the team/pipeline/agent-role definitions the
// execution engine resolves against: the declarative YAML the launcher
// ships, parsed once into the Resolver the team and pipeline executors
// consume.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/phrazzld/agentrund/internal/model"
	"github.com/phrazzld/agentrund/internal/pipeline"
	"github.com/phrazzld/agentrund/internal/team"
)

// agentDef is one entry in an agents catalog file.
type agentDef struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// agentsFile is the on-disk shape of a user or project agent-role catalog:
// agent name -> definition.
type agentsFile map[string]agentDef

// teamsFile maps team name -> ordered member agent names.
type teamsFile map[string][]string

// pipelineStepDef is one on-disk pipeline step.
type pipelineStepDef struct {
	Agent          string `yaml:"agent"`
	SystemPrompt   string `yaml:"system_prompt"`
	PromptTemplate string `yaml:"prompt_template"`
}

// pipelineDef is one on-disk pipeline definition.
type pipelineDef struct {
	BuildOnly bool              `yaml:"build_only"`
	Steps     []pipelineStepDef `yaml:"steps"`
}

// pipelinesFile maps pipeline name -> definition.
type pipelinesFile map[string]pipelineDef

// Catalog resolves team, pipeline, and agent-role definitions loaded from
// the configured YAML files.
type Catalog struct {
	teamsPath         string
	pipelinesPath     string
	userAgentsPath    string
	projectAgentsPath string
}

// New constructs a Catalog. Any path may be empty to disable that source.
func New(teamsPath, pipelinesPath, userAgentsPath, projectAgentsPath string) *Catalog {
	return &Catalog{
		teamsPath:         teamsPath,
		pipelinesPath:     pipelinesPath,
		userAgentsPath:    userAgentsPath,
		projectAgentsPath: projectAgentsPath,
	}
}

func loadYAML[T any](path string) (T, error) {
	var out T
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return out, nil
}

// ResolveTeam implements internal/team.Resolver.
func (c *Catalog) ResolveTeam(name string) ([]string, error) {
	teams, err := loadYAML[teamsFile](c.teamsPath)
	if err != nil {
		return nil, err
	}
	members, ok := teams[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown team %q", name)
	}
	return members, nil
}

// DiscoverAgents implements internal/team.Resolver.
func (c *Catalog) DiscoverAgents(scope string) (map[string]team.Member, error) {
	out := make(map[string]team.Member)

	loadInto := func(path string, source model.AgentSource) error {
		agents, err := loadYAML[agentsFile](path)
		if err != nil {
			return err
		}
		for name, def := range agents {
			out[name] = team.Member{Name: name, SystemPrompt: def.SystemPrompt, Source: source}
		}
		return nil
	}

	switch scope {
	case "user":
		if err := loadInto(c.userAgentsPath, model.AgentSourceUser); err != nil {
			return nil, err
		}
	case "project":
		if err := loadInto(c.projectAgentsPath, model.AgentSourceProject); err != nil {
			return nil, err
		}
	default: // "both" or unspecified
		if err := loadInto(c.userAgentsPath, model.AgentSourceUser); err != nil {
			return nil, err
		}
		if err := loadInto(c.projectAgentsPath, model.AgentSourceProject); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// ResolvePipeline implements internal/pipeline.Resolver.
func (c *Catalog) ResolvePipeline(name string) (pipeline.Spec, error) {
	pipelines, err := loadYAML[pipelinesFile](c.pipelinesPath)
	if err != nil {
		return pipeline.Spec{}, err
	}
	def, ok := pipelines[name]
	if !ok {
		return pipeline.Spec{}, fmt.Errorf("catalog: unknown pipeline %q", name)
	}
	steps := make([]pipeline.Step, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, pipeline.Step{
			Agent:          s.Agent,
			SystemPrompt:   s.SystemPrompt,
			PromptTemplate: s.PromptTemplate,
		})
	}
	return pipeline.Spec{Name: name, BuildOnly: def.BuildOnly, Steps: steps}, nil
}
