package actor_test

import (
	"testing"

	"stagehand/internal/actor"
)

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }

func TestSourceURLRepositoryOnly(t *testing.T) {
	s := actor.Spec{Repository: "https://example.com/r.git"}
	if got := s.SourceURL(); got != "https://example.com/r.git" {
		t.Fatalf("expected bare repository, got %q", got)
	}
}

func TestSourceURLWithReference(t *testing.T) {
	s := actor.Spec{
		Repository: "https://example.com/r.git",
		Reference:  strptr("main"),
	}
	if got := s.SourceURL(); got != "https://example.com/r.git#main" {
		t.Fatalf("unexpected locator %q", got)
	}
}

func TestSourceURLWithReferenceAndPath(t *testing.T) {
	s := actor.Spec{
		Repository: "https://example.com/r.git",
		Reference:  strptr("main"),
		Path:       strptr("svc/.amp.toml"),
	}
	want := "https://example.com/r.git#main:svc/.amp.toml"
	if got := s.SourceURL(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	// idempotent
	if again := s.SourceURL(); again != want {
		t.Fatalf("re-derivation differs: %q", again)
	}
}

func TestPartnerSourceURLMatchesSpecDerivation(t *testing.T) {
	p := actor.Partner{
		Name:       "db",
		Repository: "https://example.com/db.git",
		Reference:  strptr("v2"),
		Path:       strptr("deploy/.amp.toml"),
	}
	s := actor.Spec{
		Repository: p.Repository,
		Reference:  p.Reference,
		Path:       p.Path,
	}
	if p.SourceURL() != s.SourceURL() {
		t.Fatalf("partner and spec locators diverge: %q vs %q", p.SourceURL(), s.SourceURL())
	}
}

func TestHasDockerfile(t *testing.T) {
	var s actor.Spec
	if s.HasDockerfile() {
		t.Fatal("nil build should not be Dockerfile mode")
	}
	s.Build = &actor.Build{Builder: strptr("paketobuildpacks/builder:base")}
	if s.HasDockerfile() {
		t.Fatal("buildpack-only build should not be Dockerfile mode")
	}
	s.Build.Dockerfile = strptr("Dockerfile")
	if !s.HasDockerfile() {
		t.Fatal("dockerfile present should select Dockerfile mode")
	}
}

func TestContainerPortsFlattenAll(t *testing.T) {
	s := actor.Spec{
		Services: []actor.Service{
			{Ports: []actor.Port{
				{Port: 8080, Expose: boolptr(true)},
				{Port: 9090},
			}},
			{Kind: strptr("worker"), Ports: []actor.Port{
				{Port: 7070, Protocol: strptr("UDP")},
			}},
		},
	}
	ports := s.ContainerPorts()
	if len(ports) != 3 {
		t.Fatalf("expected 3 container ports, got %d", len(ports))
	}
	// order: services first, then ports within each
	if ports[0].ContainerPort != 8080 || ports[1].ContainerPort != 9090 || ports[2].ContainerPort != 7070 {
		t.Fatalf("order not preserved: %+v", ports)
	}
	if string(ports[2].Protocol) != "UDP" {
		t.Fatalf("protocol not carried: %+v", ports[2])
	}
}

func TestServicePortsOnlyExposed(t *testing.T) {
	s := actor.Spec{
		Services: []actor.Service{
			{Ports: []actor.Port{
				{Port: 8080, Expose: boolptr(true)},
				{Port: 9090, Expose: boolptr(false)},
				{Port: 6060},
			}},
		},
	}
	ports := s.ServicePorts()
	if len(ports) != 1 || ports[0].Port != 8080 {
		t.Fatalf("expected only exposed port 8080, got %+v", ports)
	}
}

func TestServicePortsAbsentWhenNothingExposed(t *testing.T) {
	var s actor.Spec
	if s.ServicePorts() != nil {
		t.Fatal("no services should yield absent service ports")
	}
	s.Services = []actor.Service{{Ports: []actor.Port{{Port: 9090}}}}
	if s.ServicePorts() != nil {
		t.Fatal("unexposed ports should yield absent service ports")
	}
	if s.ContainerPorts() == nil {
		t.Fatal("container ports should still be present")
	}
}

func TestEnvVarsProjection(t *testing.T) {
	var s actor.Spec
	if s.EnvVars() != nil {
		t.Fatal("nil environments should yield absent env list")
	}
	s.Environments = map[string]string{"A": "1", "B": "2"}
	env := s.EnvVars()
	if len(env) != 2 {
		t.Fatalf("expected 2 env vars, got %d", len(env))
	}
	seen := map[string]string{}
	for _, e := range env {
		seen[e.Name] = e.Value
	}
	if seen["A"] != "1" || seen["B"] != "2" {
		t.Fatalf("env projection lost entries: %v", seen)
	}
}

func TestNormalizeDefaultsPath(t *testing.T) {
	s := actor.Spec{Name: "web", Repository: "https://example.com/r.git", Commit: "abc123"}
	n := s.Normalize()
	if n.Path == nil || *n.Path != actor.DefaultPath {
		t.Fatalf("expected default path, got %v", n.Path)
	}
	if s.Path != nil {
		t.Fatal("Normalize must not mutate the receiver")
	}
	explicit := strptr("svc/.amp.toml")
	s.Path = explicit
	if n := s.Normalize(); *n.Path != "svc/.amp.toml" {
		t.Fatalf("explicit path overridden: %q", *n.Path)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		spec actor.Spec
	}{
		{"missing name", actor.Spec{Repository: "r", Commit: "c"}},
		{"missing repository", actor.Spec{Name: "n", Commit: "c"}},
		{"missing commit", actor.Spec{Name: "n", Repository: "r"}},
		{"partner missing repository", actor.Spec{
			Name: "n", Repository: "r", Commit: "c",
			Partners: []actor.Partner{{Name: "p"}},
		}},
	}
	for _, tc := range cases {
		if err := tc.spec.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	ok := actor.Spec{Name: "n", Repository: "r", Commit: "c"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestBuildNameAndDockerTag(t *testing.T) {
	a := actor.Actor{Spec: actor.Spec{
		Name:   "web",
		Image:  "registry.example.com/demo/web",
		Commit: "abc123",
	}}
	if a.BuildName() != "web-abc123" {
		t.Fatalf("build name %q", a.BuildName())
	}
	if a.DockerTag() != "registry.example.com/demo/web:abc123" {
		t.Fatalf("docker tag %q", a.DockerTag())
	}
}

func TestEndToEndDerivations(t *testing.T) {
	s := actor.Spec{
		Name:       "svc",
		Repository: "https://example.com/r.git",
		Reference:  strptr("main"),
		Path:       strptr("svc/.amp.toml"),
		Commit:     "deadbeef",
		Services: []actor.Service{
			{Ports: []actor.Port{
				{Port: 8080, Expose: boolptr(true)},
				{Port: 9090, Expose: boolptr(false)},
			}},
		},
		Build: &actor.Build{Dockerfile: strptr("Dockerfile")},
	}
	url := s.SourceURL()
	if url != "https://example.com/r.git#main:svc/.amp.toml" {
		t.Fatalf("locator %q", url)
	}
	if !s.HasDockerfile() {
		t.Fatal("expected Dockerfile mode")
	}
	cps := s.ContainerPorts()
	if len(cps) != 2 || cps[0].ContainerPort != 8080 || cps[1].ContainerPort != 9090 {
		t.Fatalf("container ports %+v", cps)
	}
	sps := s.ServicePorts()
	if len(sps) != 1 || sps[0].Port != 8080 {
		t.Fatalf("service ports %+v", sps)
	}
}
