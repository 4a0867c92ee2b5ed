package server

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"stagehand/internal/actor"
	"stagehand/internal/events"
	"stagehand/internal/repo"
)

// Request payloads

// ActorSpecRequest mirrors actor.Spec field for field; the engine applies
// playbook defaults and validation after decoding.
type ActorSpecRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Image        string            `json:"image"`
	Command      *string           `json:"command,omitempty"`
	Repository   string            `json:"repository"`
	Path         *string           `json:"path,omitempty"`
	Reference    *string           `json:"reference,omitempty"`
	Commit       string            `json:"commit"`
	Environments map[string]string `json:"environments,omitempty"`
	Partners     []PartnerBody     `json:"partners,omitempty"`
	Services     []ServiceBody     `json:"services,omitempty"`
	Sync         *bool             `json:"sync,omitempty"`
	Build        *BuildBody        `json:"build,omitempty"`
}

type PartnerBody struct {
	Name       string  `json:"name"`
	Repository string  `json:"repository"`
	Path       *string `json:"path,omitempty"`
	Reference  *string `json:"reference,omitempty"`
}

type ServiceBody struct {
	Kind  *string    `json:"kind,omitempty"`
	Ports []PortBody `json:"ports,omitempty"`
}

type PortBody struct {
	Port     int32   `json:"port"`
	Protocol *string `json:"protocol,omitempty"`
	Expose   *bool   `json:"expose,omitempty"`
}

type BuildBody struct {
	Context    *string           `json:"context,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Dockerfile *string           `json:"dockerfile,omitempty"`
	Builder    *string           `json:"builder,omitempty"`
	Buildpacks []string          `json:"buildpacks,omitempty"`
}

type SetConditionRequest struct {
	State   string `json:"state" enum:"Pending,Building,Running,Failed"`
	Status  *bool  `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type CreateKeyRequest struct {
	ControllerID string `json:"controller_id"`
	Name         string `json:"name,omitempty"`
}

// Response payloads

type ActorResponse struct {
	ID              string              `json:"id"`
	Generation      int64               `json:"generation"`
	ResourceVersion int64               `json:"resource_version"`
	Spec            actor.Spec          `json:"spec"`
	Phase           string              `json:"phase" enum:"Pending,Building,Running,Failed"`
	Conditions      []ConditionResponse `json:"conditions,omitempty"`
	CreatedAt       string              `json:"created_at" format:"date-time"`
	UpdatedAt       string              `json:"updated_at" format:"date-time"`
}

type ConditionResponse struct {
	Type               string `json:"type"`
	Status             string `json:"status" enum:"True,False,Unknown"`
	Reason             string `json:"reason"`
	Message            string `json:"message,omitempty"`
	LastTransitionTime string `json:"lastTransitionTime" format:"date-time"`
	ObservedGeneration int64  `json:"observedGeneration,omitempty"`
}

type StatusResponse struct {
	ActorID    string              `json:"actor_id"`
	Phase      string              `json:"phase" enum:"Pending,Building,Running,Failed"`
	Conditions []ConditionResponse `json:"conditions"`
}

// ManifestResponse is the projection the reconciler consumes: everything
// derivable from the spec, resolved once server-side.
type ManifestResponse struct {
	Name           string                  `json:"name"`
	BuildName      string                  `json:"build_name"`
	SourceURL      string                  `json:"source_url"`
	Commit         string                  `json:"commit"`
	Image          string                  `json:"image"`
	HasDockerfile  bool                    `json:"has_dockerfile"`
	Env            []EnvVarResponse        `json:"env,omitempty"`
	ContainerPorts []ContainerPortResponse `json:"container_ports,omitempty"`
	ServicePorts   []ServicePortResponse   `json:"service_ports,omitempty"`
	Partners       []PartnerSourceResponse `json:"partners,omitempty"`
}

type EnvVarResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ContainerPortResponse struct {
	ContainerPort int32  `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

type ServicePortResponse struct {
	Port     int32  `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

type PartnerSourceResponse struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorName string         `json:"actor_name,omitempty"`
	WriterID  string         `json:"writer_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type KeyResponse struct {
	ID           string `json:"id"`
	ControllerID string `json:"controller_id"`
	Name         string `json:"name,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	// Key is only present in the create response; the server keeps the
	// hash and cannot return it again.
	Key string `json:"key,omitempty"`
}

// Mappers

func specFromRequest(req ActorSpecRequest) actor.Spec {
	s := actor.Spec{
		Name:         req.Name,
		Description:  req.Description,
		Image:        req.Image,
		Command:      req.Command,
		Repository:   req.Repository,
		Path:         req.Path,
		Reference:    req.Reference,
		Commit:       req.Commit,
		Environments: req.Environments,
		Sync:         req.Sync,
	}
	for _, p := range req.Partners {
		s.Partners = append(s.Partners, actor.Partner{
			Name:       p.Name,
			Repository: p.Repository,
			Path:       p.Path,
			Reference:  p.Reference,
		})
	}
	for _, svc := range req.Services {
		ports := make([]actor.Port, 0, len(svc.Ports))
		for _, p := range svc.Ports {
			ports = append(ports, actor.Port{Port: p.Port, Protocol: p.Protocol, Expose: p.Expose})
		}
		s.Services = append(s.Services, actor.Service{Kind: svc.Kind, Ports: ports})
	}
	if req.Build != nil {
		s.Build = &actor.Build{
			Context:    req.Build.Context,
			Env:        req.Build.Env,
			Dockerfile: req.Build.Dockerfile,
			Builder:    req.Build.Builder,
			Buildpacks: req.Build.Buildpacks,
		}
	}
	return s
}

func actorResponse(a actor.Actor) ActorResponse {
	return ActorResponse{
		ID:              a.ID,
		Generation:      a.Generation,
		ResourceVersion: a.ResourceVersion,
		Spec:            a.Spec,
		Phase:           a.Status.Phase().String(),
		Conditions:      mapConditions(a.Status.Conditions),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func mapActors(items []actor.Actor) []ActorResponse {
	out := make([]ActorResponse, 0, len(items))
	for _, a := range items {
		out = append(out, actorResponse(a))
	}
	return out
}

func conditionResponse(c metav1.Condition) ConditionResponse {
	return ConditionResponse{
		Type:               c.Type,
		Status:             string(c.Status),
		Reason:             c.Reason,
		Message:            c.Message,
		LastTransitionTime: c.LastTransitionTime.UTC().Format(time.RFC3339),
		ObservedGeneration: c.ObservedGeneration,
	}
}

func mapConditions(conditions []metav1.Condition) []ConditionResponse {
	out := make([]ConditionResponse, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, conditionResponse(c))
	}
	return out
}

func manifestResponse(a actor.Actor) ManifestResponse {
	m := ManifestResponse{
		Name:          a.Spec.Name,
		BuildName:     a.BuildName(),
		SourceURL:     a.Spec.SourceURL(),
		Commit:        a.Spec.Commit,
		Image:         a.DockerTag(),
		HasDockerfile: a.Spec.HasDockerfile(),
	}
	for _, env := range a.Spec.EnvVars() {
		m.Env = append(m.Env, EnvVarResponse{Name: env.Name, Value: env.Value})
	}
	for _, p := range a.Spec.ContainerPorts() {
		m.ContainerPorts = append(m.ContainerPorts, ContainerPortResponse{
			ContainerPort: p.ContainerPort,
			Protocol:      string(p.Protocol),
		})
	}
	for _, p := range a.Spec.ServicePorts() {
		m.ServicePorts = append(m.ServicePorts, ServicePortResponse{
			Port:     p.Port,
			Protocol: string(p.Protocol),
		})
	}
	for _, p := range a.Spec.Partners {
		m.Partners = append(m.Partners, PartnerSourceResponse{
			Name:      p.Name,
			SourceURL: p.SourceURL(),
		})
	}
	return m
}

func eventResponse(e events.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ActorID:   e.ActorID,
		ActorName: e.ActorName,
		WriterID:  e.WriterID,
		Payload:   e.Payload,
	}
}

func keyResponse(k repo.APIKey) KeyResponse {
	return KeyResponse{
		ID:           k.ID,
		ControllerID: k.ControllerID,
		Name:         k.Name,
		CreatedAt:    k.CreatedAt,
	}
}
