// Package endpoint picks the target agent for a task from the
// agent-selection hints carried in the request, with an optional
// instance-wide default. Resolution is pure; no I/O happens here.
package endpoint

import (
	"encoding/json"
	"fmt"
)

// Endpoint is a resolved target agent.
type Endpoint struct {
	URL         string `json:"url"`
	DisplayName string `json:"name"`
	Role        string `json:"role,omitempty"`
}

// Candidate is one agent offered in the request metadata.
type Candidate struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Selection is the agent-selection portion of a request's metadata.
type Selection struct {
	Agents      []Candidate `json:"agents,omitempty"`
	AgentRole   string      `json:"agent_role,omitempty"`
	NonBlocking bool        `json:"non_blocking,omitempty"`
}

// Resolution is the outcome of resolving a Selection.
type Resolution struct {
	Endpoint    Endpoint
	NonBlocking bool
}

// ResolutionError means the request named no usable endpoint and the
// resolver has no default. The task is never dispatched.
type ResolutionError struct {
	Role string
}

func (e *ResolutionError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("endpoint: no candidate with role %q and no default endpoint configured", e.Role)
	}
	return "endpoint: no usable endpoint in request and no default endpoint configured"
}

// ParseSelection reads selection hints from raw message metadata. Absent
// or malformed metadata yields an empty Selection; payload validation is
// not this package's job.
func ParseSelection(metadata json.RawMessage) Selection {
	var sel Selection
	if len(metadata) == 0 {
		return sel
	}
	_ = json.Unmarshal(metadata, &sel)
	return sel
}

// Resolver holds the instance default, if one was configured.
type Resolver struct {
	def *Endpoint
}

// NewResolver builds a resolver. An empty defaultURL means no default;
// resolution then fails whenever the request offers nothing usable.
func NewResolver(defaultURL, defaultName string) *Resolver {
	if defaultURL == "" {
		return &Resolver{}
	}
	if defaultName == "" {
		defaultName = defaultURL
	}
	return &Resolver{def: &Endpoint{URL: defaultURL, DisplayName: defaultName}}
}

// HasDefault reports whether a default endpoint was configured.
func (r *Resolver) HasDefault() bool {
	return r.def != nil
}

// Resolve picks the endpoint for sel. Candidates without a URL are
// skipped. With an explicit role, only a role match wins; without one,
// the first usable candidate does. When the request offers nothing, the
// default fills in; failing that, the result is a *ResolutionError.
func (r *Resolver) Resolve(sel Selection) (Resolution, error) {
	if ep, ok := pick(sel.Agents, sel.AgentRole); ok {
		return Resolution{Endpoint: ep, NonBlocking: sel.NonBlocking}, nil
	}
	if r.def != nil {
		return Resolution{Endpoint: *r.def, NonBlocking: sel.NonBlocking}, nil
	}
	return Resolution{}, &ResolutionError{Role: sel.AgentRole}
}

func pick(agents []Candidate, role string) (Endpoint, bool) {
	var first *Candidate
	for i := range agents {
		c := &agents[i]
		if c.URL == "" {
			continue
		}
		if role != "" {
			if c.Role == role {
				return toEndpoint(*c), true
			}
			continue
		}
		if first == nil {
			first = c
		}
	}
	if role == "" && first != nil {
		return toEndpoint(*first), true
	}
	return Endpoint{}, false
}

func toEndpoint(c Candidate) Endpoint {
	name := c.Name
	if name == "" {
		name = c.URL
	}
	return Endpoint{URL: c.URL, DisplayName: name, Role: c.Role}
}
