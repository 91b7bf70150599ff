package runtime

import (
	"context"
	"fmt"
	"os"
)

// Skill describes a resolved skill bundle: where it lives, what it injects
// into the prompt, and which environment variables it requires. The skills
// subsystem itself (scan, mention resolution, bundle extraction) is an
// external collaborator; only this resolution contract is consumed.
type Skill struct {
	Name            string
	Namespace       string
	Locator         string
	Path            string
	Body            string
	BundleRoot      string
	BundleSHA256    string
	RequiredEnvVars []string
}

// ResolvedExec is the execution plan a skills manager produces for a
// skill_exec action, consumed by Safety Gate sanitization.
type ResolvedExec struct {
	Argv    []string
	Cwd     string
	EnvKeys []string
}

// SkillsResolver is the contract of the external skills subsystem.
type SkillsResolver interface {
	// ResolveMention resolves a @mention string to a skill, or nil if the
	// mention does not name a known skill.
	ResolveMention(mention string) (*Skill, error)

	// ResolveExec resolves an action within a skill bundle to the argv it
	// would execute.
	ResolveExec(skill *Skill, action string) (*ResolvedExec, error)
}

// EnvVarPolicy selects behavior when a skill's required environment
// variable has no value available.
type EnvVarPolicy string

const (
	EnvVarFailFast EnvVarPolicy = "fail_fast"
	EnvVarSkip     EnvVarPolicy = "skip_skill"
	EnvVarAskHuman EnvVarPolicy = "ask_human"
)

// EnvStore is the run-scoped environment variable store. Values collected
// from a human are stored here and never written to any event payload.
type EnvStore struct {
	values map[string]string
}

// NewEnvStore creates an EnvStore seeded with the given values.
func NewEnvStore(seed map[string]string) *EnvStore {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &EnvStore{values: values}
}

// Get returns the stored value for name, if any.
func (s *EnvStore) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Set stores a value for name.
func (s *EnvStore) Set(name, value string) {
	s.values[name] = value
}

// Snapshot returns a copy of the stored values.
func (s *EnvStore) Snapshot() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// envVarSource records where a required env var's value came from for the
// env_var_set event; the value itself never appears in any payload.
type envVarSource string

const (
	envSourceProvided   envVarSource = "provided"
	envSourceProcessEnv envVarSource = "process_env"
	envSourceHuman      envVarSource = "human"
)

// gateSkillEnvVars runs the environment-variable gate for one resolved
// skill: the run's env store first, then the process env, then (per
// policy) the human. It reports whether the skill may be injected.
func (a *Agent) gateSkillEnvVars(ctx context.Context, rc *RunContext, skill *Skill, envStore *EnvStore, policy EnvVarPolicy) (bool, error) {
	for _, name := range skill.RequiredEnvVars {
		if _, ok := envStore.Get(name); ok {
			a.emitEnvVarSet(ctx, rc, name, skill, envSourceProvided)
			continue
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			envStore.Set(name, v)
			a.emitEnvVarSet(ctx, rc, name, skill, envSourceProcessEnv)
			continue
		}

		rc.Emitter.Emit(ctx, AgentEvent{
			Type:  EventEnvVarRequired,
			RunID: rc.RunID,
			Payload: map[string]any{
				"env_var":    name,
				"skill_name": skill.Name,
				"skill_path": skill.Path,
				"policy":     string(policy),
			},
		})

		switch policy {
		case EnvVarFailFast:
			return false, &RunError{
				ErrorKind: RunErrorMissingEnvVar,
				Message:   fmt.Sprintf("skill %s requires env var %s", skill.Name, name),
			}
		case EnvVarSkip:
			rc.Emitter.Emit(ctx, AgentEvent{
				Type:  EventSkillInjectionSkipped,
				RunID: rc.RunID,
				Payload: map[string]any{
					"skill_name": skill.Name,
					"env_var":    name,
					"reason":     "missing_env_var",
				},
			})
			return false, nil
		case EnvVarAskHuman:
			value, err := a.askHumanForEnvVar(ctx, rc, name, skill)
			if err != nil {
				return false, err
			}
			envStore.Set(name, value)
			a.emitEnvVarSet(ctx, rc, name, skill, envSourceHuman)
		default:
			return false, &RunError{
				ErrorKind: RunErrorConfig,
				Message:   "unknown env var policy: " + string(policy),
			}
		}
	}
	return true, nil
}

func (a *Agent) emitEnvVarSet(ctx context.Context, rc *RunContext, name string, skill *Skill, source envVarSource) {
	rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventEnvVarSet,
		RunID: rc.RunID,
		Payload: map[string]any{
			"env_var":      name,
			"value_source": string(source),
			"skill_name":   skill.Name,
		},
	})
}

// askHumanForEnvVar asks the human-I/O provider for a secret env value. The
// human_request payload carries a UI-only envelope; the collected value is
// stored into the session env store but never written as
// human_response.payload.answer.
func (a *Agent) askHumanForEnvVar(ctx context.Context, rc *RunContext, name string, skill *Skill) (string, error) {
	if a.HumanIO == nil {
		return "", &RunError{
			ErrorKind: RunErrorMissingEnvVar,
			Message:   fmt.Sprintf("skill %s requires env var %s and no human-io provider is configured", skill.Name, name),
		}
	}

	callID := newCallID()
	rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventHumanRequest,
		RunID: rc.RunID,
		Payload: map[string]any{
			"call_id":  callID,
			"question": fmt.Sprintf("Provide a value for %s (required by skill %s)", name, skill.Name),
			"context": map[string]any{
				"kind":    "env_var",
				"env_var": name,
				"skill":   skill.Name,
			},
		},
	})

	answer, err := a.HumanIO.Ask(ctx, HumanRequest{
		CallID:   callID,
		Question: fmt.Sprintf("Provide a value for %s (required by skill %s)", name, skill.Name),
		Secret:   true,
	})
	if err != nil {
		return "", &RunError{ErrorKind: RunErrorMissingEnvVar, Message: err.Error(), Cause: err}
	}

	// The answer payload is deliberately elided for secret collection.
	rc.Emitter.Emit(ctx, AgentEvent{
		Type:  EventHumanResponse,
		RunID: rc.RunID,
		Payload: map[string]any{
			"call_id": callID,
			"answer":  "<redacted>",
		},
	})
	return answer, nil
}
