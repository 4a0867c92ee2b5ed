package actor

import (
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// DefaultPath is the manifest location assumed when a spec omits one.
const DefaultPath = "./.amp.toml"

// Actor is a deployable unit: source code, build strategy, and runtime
// service exposure. Spec is replaced wholesale by whoever declares the
// actor; Status is written only by the controller.
type Actor struct {
	ID              string `json:"id"`
	Generation      int64  `json:"generation"`
	ResourceVersion int64  `json:"resource_version"`
	Spec            Spec   `json:"spec"`
	Status          Status `json:"status"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// BuildName is the name handed to the image builder for this revision.
func (a Actor) BuildName() string {
	return fmt.Sprintf("%s-%s", a.Spec.Name, a.Spec.Commit)
}

// DockerTag pins the target image to the selected commit.
func (a Actor) DockerTag() string {
	return fmt.Sprintf("%s:%s", a.Spec.Image, a.Spec.Commit)
}

// Spec is the declarative description of one actor revision.
type Spec struct {
	// The name of the actor.
	Name string `json:"name"`
	// The description of the actor.
	Description string `json:"description"`
	// Target container image reference, in the addressable form
	// [<registry>/][<project>/]<image>[:<tag>|@<digest>].
	Image string `json:"image"`
	// Overrides the default command declared by the container image.
	Command *string `json:"command,omitempty"`
	// Source code repository the package should be cloned from.
	Repository string `json:"repository"`
	// Relative path from the repo root to the manifest file.
	// Defaults to ./.amp.toml.
	Path *string `json:"path,omitempty"`
	// Git ref the package should be cloned from, e.g. master or main.
	Reference *string `json:"reference,omitempty"`
	// The resolved commit pin the source was fetched at.
	Commit string `json:"commit"`
	// Environment variables set in the container.
	Environments map[string]string `json:"environments,omitempty"`
	// Named actor dependencies resolved from their own source locators.
	Partners []Partner `json:"partners,omitempty"`
	// Runtime service exposure.
	Services []Service `json:"services,omitempty"`
	// Sync mode: rebuild and redeploy on push, driven by the controller.
	Sync *bool `json:"sync,omitempty"`
	// How the image is built.
	Build *Build `json:"build,omitempty"`
}

// Validate checks required field presence. Well-formedness of the image
// reference is the caller's concern.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("actor name is required")
	}
	if s.Repository == "" {
		return errors.New("actor repository is required")
	}
	if s.Commit == "" {
		return errors.New("actor commit is required")
	}
	for i, p := range s.Partners {
		if p.Name == "" {
			return fmt.Errorf("partner %d: name is required", i)
		}
		if p.Repository == "" {
			return fmt.Errorf("partner %s: repository is required", p.Name)
		}
	}
	return nil
}

// Normalize fills in schema defaults. It returns a copy; the receiver is
// never mutated.
func (s Spec) Normalize() Spec {
	if s.Path == nil {
		p := DefaultPath
		s.Path = &p
	}
	return s
}

// SourceURL composes the canonical locator used to fetch this actor's
// source tree.
func (s Spec) SourceURL() string {
	return sourceURL(s.Repository, s.Reference, s.Path)
}

// EnvVars projects the environments map into the container env list.
// A nil map yields a nil list.
func (s Spec) EnvVars() []corev1.EnvVar {
	if s.Environments == nil {
		return nil
	}
	return toEnvVars(s.Environments)
}

// ContainerPorts flattens every declared port, exposed or not, into the
// container-port list. Nil when the spec declares no services.
func (s Spec) ContainerPorts() []corev1.ContainerPort {
	if s.Services == nil {
		return nil
	}
	var ports []corev1.ContainerPort
	for _, svc := range s.Services {
		for _, p := range svc.Ports {
			cp := corev1.ContainerPort{ContainerPort: p.Port}
			if p.Protocol != nil {
				cp.Protocol = corev1.Protocol(*p.Protocol)
			}
			ports = append(ports, cp)
		}
	}
	return ports
}

// ServicePorts flattens only the exposed ports into the network-facing
// service-port list. Nil when nothing is exposed.
func (s Spec) ServicePorts() []corev1.ServicePort {
	if s.Services == nil {
		return nil
	}
	var ports []corev1.ServicePort
	for _, svc := range s.Services {
		for _, p := range svc.Ports {
			if !p.Exposed() {
				continue
			}
			sp := corev1.ServicePort{Port: p.Port}
			if p.Protocol != nil {
				sp.Protocol = corev1.Protocol(*p.Protocol)
			}
			ports = append(ports, sp)
		}
	}
	return ports
}

// HasDockerfile reports whether the build strategy is Dockerfile-based.
// Dockerfile mode takes precedence when builder fields are also set.
func (s Spec) HasDockerfile() bool {
	return s.Build != nil && s.Build.Dockerfile != nil
}

// Partner is a named external actor dependency. Its commit is resolved
// by the controller, not declared here.
type Partner struct {
	// The name of the partner actor.
	Name string `json:"name"`
	// Source code repository the package should be cloned from.
	Repository string `json:"repository"`
	// Relative path from the repo root to the manifest file.
	Path *string `json:"path,omitempty"`
	// Git ref the package should be cloned from.
	Reference *string `json:"reference,omitempty"`
}

// SourceURL composes the canonical locator for the partner's source tree.
func (p Partner) SourceURL() string {
	return sourceURL(p.Repository, p.Reference, p.Path)
}

// Service defines the behavior of one runtime service.
type Service struct {
	Kind  *string `json:"kind,omitempty"`
	Ports []Port  `json:"ports"`
}

// Port is one port to expose from the container.
type Port struct {
	Port     int32   `json:"port"`
	Protocol *string `json:"protocol,omitempty"`
	// Expose routes the port through the network-facing service.
	// Unset means listen-only.
	Expose *bool `json:"expose,omitempty"`
}

// Exposed reports whether the port is network-exposed; unset defaults
// to false.
func (p Port) Exposed() bool {
	return p.Expose != nil && *p.Expose
}

// Build describes how the image is built.
type Build struct {
	// Directory containing the artifact's sources.
	Context *string `json:"context,omitempty"`
	// Build-time variables.
	Env map[string]string `json:"env,omitempty"`
	// Dockerfile location relative to the workspace; presence selects
	// Dockerfile-based builds.
	Dockerfile *string `json:"dockerfile,omitempty"`
	// Builder image for Cloud Native Buildpacks builds.
	Builder *string `json:"builder,omitempty"`
	// Specific buildpacks to use with the builder; order matters.
	Buildpacks []string `json:"buildpacks,omitempty"`
}

// sourceURL joins a repository, an optional ref, and an optional path
// into a single deterministic locator. The bare repository means the
// default branch downstream.
func sourceURL(repository string, reference, path *string) string {
	if reference == nil {
		return repository
	}
	if path == nil {
		return fmt.Sprintf("%s#%s", repository, *reference)
	}
	return fmt.Sprintf("%s#%s:%s", repository, *reference, *path)
}

func toEnvVars(vars map[string]string) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(vars))
	for name, value := range vars {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	return env
}
