package stagehandsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagehand HTTP API client, aimed at reconciler
// controllers that register actors and report conditions back.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Actor represents the API actor model.
type Actor struct {
	ID              string         `json:"id"`
	Generation      int64          `json:"generation"`
	ResourceVersion int64          `json:"resource_version"`
	Spec            map[string]any `json:"spec"`
	Phase           string         `json:"phase"`
	Conditions      []Condition    `json:"conditions,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// Condition is one entry of the actor's lifecycle ledger.
type Condition struct {
	Type               string `json:"type"`
	Status             string `json:"status"`
	Reason             string `json:"reason"`
	Message            string `json:"message,omitempty"`
	LastTransitionTime string `json:"lastTransitionTime"`
	ObservedGeneration int64  `json:"observedGeneration,omitempty"`
}

// Status is the phase plus the full condition ledger.
type Status struct {
	ActorID    string      `json:"actor_id"`
	Phase      string      `json:"phase"`
	Conditions []Condition `json:"conditions"`
}

// Manifest is the server-side projection the reconciler consumes.
type Manifest struct {
	Name           string          `json:"name"`
	BuildName      string          `json:"build_name"`
	SourceURL      string          `json:"source_url"`
	Commit         string          `json:"commit"`
	Image          string          `json:"image"`
	HasDockerfile  bool            `json:"has_dockerfile"`
	Env            []EnvVar        `json:"env,omitempty"`
	ContainerPorts []ContainerPort `json:"container_ports,omitempty"`
	ServicePorts   []ServicePort   `json:"service_ports,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ContainerPort struct {
	ContainerPort int32  `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

type ServicePort struct {
	Port     int32  `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// Event represents a ledger entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorName string         `json:"actor_name,omitempty"`
	WriterID  string         `json:"writer_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterActor declares a new actor from a raw spec document.
func (c *Client) RegisterActor(ctx context.Context, spec map[string]any) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "v1/actors", spec, &resp)
	return resp, err
}

// GetActor fetches an actor by id.
func (c *Client) GetActor(ctx context.Context, id string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "v1/actors/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListActors returns every registered actor.
func (c *Client) ListActors(ctx context.Context) ([]Actor, error) {
	var resp []Actor
	err := c.do(ctx, http.MethodGet, "v1/actors", nil, &resp)
	return resp, err
}

// UpdateActor replaces the spec wholesale.
func (c *Client) UpdateActor(ctx context.Context, id string, spec map[string]any) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPut, "v1/actors/"+url.PathEscape(id), spec, &resp)
	return resp, err
}

// DeregisterActor removes the actor and its ledger.
func (c *Client) DeregisterActor(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/actors/"+url.PathEscape(id), nil, nil)
}

// Manifest fetches the derived build and deploy projection.
func (c *Client) Manifest(ctx context.Context, id string) (Manifest, error) {
	var resp Manifest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/actors/%s/manifest", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Status fetches the actor's phase and condition ledger.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/actors/%s/status", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SetCondition records one lifecycle condition. status false retracts the
// assertion instead of entering the phase.
func (c *Client) SetCondition(ctx context.Context, id, state string, status bool, reason, message string, force bool) (Status, error) {
	endpoint := fmt.Sprintf("v1/actors/%s/conditions", url.PathEscape(id))
	if force {
		endpoint += "?force=true"
	}
	body := map[string]any{
		"state":   state,
		"status":  status,
		"reason":  reason,
		"message": message,
	}
	var resp Status
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns the latest ledger entries, newest first.
func (c *Client) Events(ctx context.Context, limit int, actorID, evtType string) ([]Event, error) {
	endpoint := "v1/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if actorID != "" {
		q.Set("actor_id", actorID)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
