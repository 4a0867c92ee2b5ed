package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/db"
	"stagehand/internal/engine"
	"stagehand/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func webActorBody() map[string]any {
	return map[string]any{
		"name":       "web",
		"image":      "registry.example.com/demo/web",
		"repository": "https://github.com/example/web",
		"reference":  "main",
		"commit":     "2ebf3c2",
		"environments": map[string]string{
			"PORT": "8080",
		},
		"services": []map[string]any{
			{"ports": []map[string]any{
				{"port": 8080, "expose": true},
				{"port": 9090},
			}},
		},
		"build": map[string]any{
			"dockerfile": "Dockerfile",
		},
	}
}

func TestActorLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors", webActorBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var created ActorResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal actor: %v", err)
	}
	if created.Phase != "Pending" {
		t.Fatalf("new actor phase %s", created.Phase)
	}

	// Pending -> Running is rejected by the transition guard.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/"+created.ID+"/conditions", map[string]any{
		"state":  "Running",
		"reason": "Deployed",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/"+created.ID+"/conditions", map[string]any{
		"state": "Building",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("building status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/"+created.ID+"/conditions", map[string]any{
		"state":   "Running",
		"reason":  "Deployed",
		"message": "rollout complete",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("running status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Phase != "Running" {
		t.Fatalf("phase %s", status.Phase)
	}
	if len(status.Conditions) != 3 {
		t.Fatalf("expected 3 conditions, got %d", len(status.Conditions))
	}
	last := status.Conditions[len(status.Conditions)-1]
	if last.Type != "Running" || last.Status != "True" || last.Reason != "Deployed" {
		t.Fatalf("last condition %+v", last)
	}
	if last.LastTransitionTime == "" {
		t.Fatal("lastTransitionTime missing")
	}
}

func TestManifestProjection(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors", webActorBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var created ActorResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/actors/"+created.ID+"/manifest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manifest status %d: %s", res.StatusCode, string(data))
	}
	var m ManifestResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.SourceURL != "https://github.com/example/web#main:./.amp.toml" {
		t.Fatalf("source url %q", m.SourceURL)
	}
	if m.BuildName != "web-2ebf3c2" {
		t.Fatalf("build name %q", m.BuildName)
	}
	if m.Image != "registry.example.com/demo/web:2ebf3c2" {
		t.Fatalf("image %q", m.Image)
	}
	if !m.HasDockerfile {
		t.Fatal("expected has_dockerfile")
	}
	if len(m.ContainerPorts) != 2 {
		t.Fatalf("container ports %+v", m.ContainerPorts)
	}
	if len(m.ServicePorts) != 1 || m.ServicePorts[0].Port != 8080 {
		t.Fatalf("service ports %+v", m.ServicePorts)
	}
	if len(m.Env) != 1 || m.Env[0].Name != "PORT" {
		t.Fatalf("env %+v", m.Env)
	}
}

func TestListActorsByName(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors", webActorBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/actors?name=web", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []ActorResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 || items[0].Spec.Name != "web" {
		t.Fatalf("list %+v", items)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/actors?name=missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown name, got %d", res.StatusCode)
	}
}

func TestAuthRequiredWithoutAnonymous(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/actors", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAPIKeyAuthFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/keys", map[string]any{
		"controller_id": "reconciler-1",
		"name":          "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key KeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("create response must carry the raw key once")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors", webActorBody(), map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register with key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=actor.registered", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 1 || evts[0].WriterID != "reconciler-1" {
		t.Fatalf("events %+v", evts)
	}
}
