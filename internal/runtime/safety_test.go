package runtime

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"
)

func shellDescriptor(argv ...string) ToolSafetyDescriptor {
	return ToolSafetyDescriptor{Category: CategoryShell, Argv: argv}
}

func TestSafetyGate_ShellRuleOrder(t *testing.T) {
	tests := []struct {
		name   string
		config SafetyConfig
		argv   []string
		args   map[string]any
		want   GateAction
		reason string
	}{
		{
			name:   "denylist beats everything",
			config: SafetyConfig{Mode: ModeAllow, Denylist: []string{"rm"}, Allowlist: []string{"rm -i"}},
			argv:   []string{"rm", "-i", "x"},
			want:   ActionDeny,
			reason: "denylist",
		},
		{
			name:   "mode deny",
			config: SafetyConfig{Mode: ModeDeny},
			argv:   []string{"ls"},
			want:   ActionDeny,
			reason: "mode_deny",
		},
		{
			name:   "escalated sandbox asks even in allow mode",
			config: SafetyConfig{Mode: ModeAllow},
			argv:   []string{"ls"},
			args:   map[string]any{"sandbox_permissions": "escalated"},
			want:   ActionAsk,
			reason: "escalated_sandbox",
		},
		{
			name:   "allowlist prefix match",
			config: SafetyConfig{Mode: ModeAsk, Allowlist: []string{"git status"}},
			argv:   []string{"git", "status", "--short"},
			want:   ActionAllow,
			reason: "allowlist",
		},
		{
			name:   "mode allow",
			config: SafetyConfig{Mode: ModeAllow},
			argv:   []string{"ls"},
			want:   ActionAllow,
			reason: "mode_allow",
		},
		{
			name:   "high risk asks in allow-free path",
			config: SafetyConfig{Mode: ModeAsk},
			argv:   []string{"sudo", "ls"},
			want:   ActionAsk,
			reason: "risk_high",
		},
		{
			name:   "default ask",
			config: SafetyConfig{Mode: ModeAsk},
			argv:   []string{"ls"},
			want:   ActionAsk,
			reason: "mode_ask",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewSafetyGate(tt.config, nil)
			args := tt.args
			if args == nil {
				args = map[string]any{}
			}
			decision := gate.Evaluate(shellDescriptor(tt.argv...), "exec", args)
			if decision.Action != tt.want {
				t.Errorf("Action = %s, want %s", decision.Action, tt.want)
			}
			if decision.Reason != tt.reason {
				t.Errorf("Reason = %s, want %s", decision.Reason, tt.reason)
			}
		})
	}
}

func TestSafetyGate_FileAndCustomRules(t *testing.T) {
	fileDesc := ToolSafetyDescriptor{Category: CategoryFile}
	customDesc := ToolSafetyDescriptor{Category: CategoryCustom}

	tests := []struct {
		name   string
		config SafetyConfig
		desc   ToolSafetyDescriptor
		tool   string
		want   GateAction
	}{
		{"file mode deny", SafetyConfig{Mode: ModeDeny}, fileDesc, "file_write", ActionDeny},
		{"file mode allow", SafetyConfig{Mode: ModeAllow}, fileDesc, "file_write", ActionAllow},
		{"file mode ask", SafetyConfig{Mode: ModeAsk}, fileDesc, "file_write", ActionAsk},
		{"custom denylist beats allow mode", SafetyConfig{Mode: ModeAllow, ToolDenylist: []string{"dangerous"}}, customDesc, "dangerous", ActionDeny},
		{"custom mode deny", SafetyConfig{Mode: ModeDeny, ToolAllowlist: []string{"nice"}}, customDesc, "nice", ActionDeny},
		{"custom allowlist under ask", SafetyConfig{Mode: ModeAsk, ToolAllowlist: []string{"nice"}}, customDesc, "nice", ActionAllow},
		{"custom default ask", SafetyConfig{Mode: ModeAsk}, customDesc, "whatever", ActionAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewSafetyGate(tt.config, nil)
			decision := gate.Evaluate(tt.desc, tt.tool, map[string]any{})
			if decision.Action != tt.want {
				t.Errorf("Action = %s, want %s", decision.Action, tt.want)
			}
		})
	}
}

func TestSafetyGate_NoneAlwaysAllows(t *testing.T) {
	gate := NewSafetyGate(SafetyConfig{Mode: ModeDeny}, nil)
	decision := gate.Evaluate(ToolSafetyDescriptor{Category: CategoryNone}, "internal_probe", nil)
	if decision.Action != ActionAllow {
		t.Errorf("Action = %s, want allow", decision.Action)
	}
}

func TestShellRisk(t *testing.T) {
	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"sudo", "apt", "install"}, "high"},
		{[]string{"rm", "-rf", "/"}, "high"},
		{[]string{"sh", "-c", "rm -rf ~"}, "high"},
		{[]string{"mkfs.ext4", "/dev/sda1"}, "high"},
		{[]string{"dd", "if=/dev/zero"}, "high"},
		{[]string{"shutdown", "-h", "now"}, "high"},
		{[]string{"ls", "-la"}, "low"},
		{[]string{"rm", "file.txt"}, "low"},
	}
	for _, tt := range tests {
		if got := shellRisk(tt.argv); got != tt.want {
			t.Errorf("shellRisk(%v) = %s, want %s", tt.argv, got, tt.want)
		}
	}
}

func TestSanitizeShell_EnvBecomesSortedKeys(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	out := gate.sanitizeShell(map[string]any{
		"argv":       []any{"env"},
		"cwd":        "/tmp",
		"timeout_ms": float64(5000),
		"env":        map[string]any{"ZED": "secret-value", "ALPHA": "other-secret"},
	})

	if _, leaked := out["env"]; leaked {
		t.Fatal("env values survived sanitization")
	}
	keys, ok := out["env_keys"].([]string)
	if !ok || len(keys) != 2 || keys[0] != "ALPHA" || keys[1] != "ZED" {
		t.Errorf("env_keys = %v, want sorted [ALPHA ZED]", out["env_keys"])
	}
	if out["cwd"] != "/tmp" {
		t.Errorf("cwd not preserved: %v", out["cwd"])
	}
}

func TestSanitizeFile_ContentBecomesDigest(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	content := "super secret file body"
	out := gate.sanitizeFile(map[string]any{
		"path":        "hello.txt",
		"content":     content,
		"create_dirs": true,
	})

	if _, leaked := out["content"]; leaked {
		t.Fatal("raw content survived sanitization")
	}
	if out["bytes"] != len(content) {
		t.Errorf("bytes = %v, want %d", out["bytes"], len(content))
	}
	wantSum := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
	if out["content_sha256"] != wantSum {
		t.Errorf("content_sha256 = %v, want %s", out["content_sha256"], wantSum)
	}
}

func TestSanitizeFile_ApplyPatchExtractsPaths(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	out := gate.sanitizeFile(map[string]any{
		"input": "patch body",
		"patches": []any{
			map[string]any{"file_path": "a.go"},
			map[string]any{"file_path": "b.go"},
		},
	})
	paths, ok := out["file_paths"].([]string)
	if !ok || len(paths) != 2 || paths[0] != "a.go" || paths[1] != "b.go" {
		t.Errorf("file_paths = %v", out["file_paths"])
	}
}

func TestSanitizeGeneric_RedactsSecretsAndEnv(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), []string{"hunter2secret"})
	out := gate.sanitizeGeneric(map[string]any{
		"query": "lookup hunter2secret in db",
		"nested": map[string]any{
			"env": map[string]any{"API_TOKEN": "hunter2secret"},
		},
	})

	if q, _ := out["query"].(string); strings.Contains(q, "hunter2secret") {
		t.Errorf("secret survived: %q", q)
	}
	nested := out["nested"].(map[string]any)
	if _, leaked := nested["env"]; leaked {
		t.Fatal("nested env dict survived sanitization")
	}
	if keys, _ := nested["env_keys"].([]string); len(keys) != 1 || keys[0] != "API_TOKEN" {
		t.Errorf("nested env_keys = %v", nested["env_keys"])
	}
}

func TestRedactText_MinimumLength(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), []string{"abc", "longsecret"})
	got := gate.RedactText("abc longsecret abc")
	if strings.Contains(got, "longsecret") {
		t.Errorf("long secret survived: %q", got)
	}
	if !strings.Contains(got, "abc") {
		t.Errorf("3-char value should not be redacted: %q", got)
	}
}

type fakeSkills struct {
	skill *Skill
	exec  *ResolvedExec
}

func (f *fakeSkills) ResolveMention(mention string) (*Skill, error) { return f.skill, nil }
func (f *fakeSkills) ResolveExec(skill *Skill, action string) (*ResolvedExec, error) {
	return f.exec, nil
}

func TestSanitizeSkillExec_ResolvedForm(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	skills := &fakeSkills{
		skill: &Skill{Name: "deploy", BundleRoot: "/bundles/deploy", BundleSHA256: "ff00"},
		exec:  &ResolvedExec{Argv: []string{"./deploy.sh", "--env", "prod"}, Cwd: "/bundles/deploy", EnvKeys: []string{"DEPLOY_TOKEN"}},
	}
	call := ToolCall{Name: "skill_exec", Args: map[string]any{
		"mention": "@deploy",
		"action":  "run",
		"env":     map[string]any{"DEPLOY_TOKEN": "tok-value-123"},
	}}

	out := gate.Sanitize(ToolSafetyDescriptor{Category: CategoryShell}, call, skills)
	if out["bundle_sha256"] != "ff00" {
		t.Errorf("bundle_sha256 = %v", out["bundle_sha256"])
	}
	argv, _ := out["argv"].([]string)
	if len(argv) != 3 || argv[0] != "./deploy.sh" {
		t.Errorf("argv = %v", out["argv"])
	}
	encoded := fmt.Sprintf("%v", out)
	if strings.Contains(encoded, "tok-value-123") {
		t.Error("raw env value leaked into sanitized skill_exec request")
	}
}

func TestSanitizeSkillExec_NoResolverFallback(t *testing.T) {
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	call := ToolCall{Name: "skill_exec", Args: map[string]any{"mention": "@x", "action": "run"}}
	out := gate.Sanitize(ToolSafetyDescriptor{Category: CategoryShell}, call, nil)
	argv, ok := out["argv"].([]string)
	if !ok || len(argv) != 0 {
		t.Errorf("argv = %v, want empty", out["argv"])
	}
}

func TestApprovalKey_StableUnderKeyReordering(t *testing.T) {
	a := map[string]any{"argv": []any{"ls"}, "cwd": "/tmp", "env_keys": []any{"A", "B"}}
	b := map[string]any{"env_keys": []any{"A", "B"}, "cwd": "/tmp", "argv": []any{"ls"}}

	ka, err := ApprovalKey("exec", a)
	if err != nil {
		t.Fatalf("ApprovalKey: %v", err)
	}
	kb, err := ApprovalKey("exec", b)
	if err != nil {
		t.Fatalf("ApprovalKey: %v", err)
	}
	if ka != kb {
		t.Errorf("keys differ under map key reordering: %s vs %s", ka, kb)
	}
	if len(ka) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(ka))
	}
}

func TestApprovalKey_BindsToSanitizedRequest(t *testing.T) {
	// Two skill bundles differing only in SHA must yield distinct keys
	// while neither carries raw env values.
	gate := NewSafetyGate(DefaultSafetyConfig(), nil)
	call := ToolCall{Name: "skill_exec", Args: map[string]any{
		"mention": "@deploy",
		"action":  "run",
		"env":     map[string]any{"TOKEN": "raw-token-value"},
	}}

	keys := make(map[string]string)
	for _, sha := range []string{"aa11", "bb22"} {
		skills := &fakeSkills{
			skill: &Skill{Name: "deploy", BundleRoot: "/b", BundleSHA256: sha},
			exec:  &ResolvedExec{Argv: []string{"./run.sh"}},
		}
		sanitized := gate.Sanitize(ToolSafetyDescriptor{Category: CategoryShell}, call, skills)
		if fmt.Sprintf("%v", sanitized) != "" && strings.Contains(fmt.Sprintf("%v", sanitized), "raw-token-value") {
			t.Fatal("sanitized request carries raw env value")
		}
		key, err := ApprovalKey(call.Name, sanitized)
		if err != nil {
			t.Fatalf("ApprovalKey: %v", err)
		}
		keys[sha] = key
	}
	if keys["aa11"] == keys["bb22"] {
		t.Error("approval keys identical across different bundle SHAs")
	}
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		tool string
		want ToolCategory
	}{
		{"exec", CategoryShell},
		{"bash", CategoryShell},
		{"file_write", CategoryFile},
		{"apply_patch", CategoryFile},
		{"my_custom_tool", CategoryCustom},
	}
	for _, tt := range tests {
		if got := CategoryFor(nil, tt.tool); got != tt.want {
			t.Errorf("CategoryFor(%s) = %s, want %s", tt.tool, got, tt.want)
		}
	}
	spec := &ToolSpec{Name: "probe", SandboxPolicy: "none"}
	if got := CategoryFor(spec, "probe"); got != CategoryNone {
		t.Errorf("CategoryFor(probe with sandbox none) = %s, want none", got)
	}
}
