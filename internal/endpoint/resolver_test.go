package endpoint

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSelection(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
		want     Selection
	}{
		{
			name:     "full selection",
			metadata: `{"agents":[{"url":"http://a:1","name":"A","role":"writer"}],"agent_role":"writer","non_blocking":true}`,
			want: Selection{
				Agents:      []Candidate{{URL: "http://a:1", Name: "A", Role: "writer"}},
				AgentRole:   "writer",
				NonBlocking: true,
			},
		},
		{
			name:     "empty metadata",
			metadata: "",
			want:     Selection{},
		},
		{
			name:     "malformed metadata treated as empty",
			metadata: `{"agents": not-json`,
			want:     Selection{},
		},
		{
			name:     "unrelated metadata keys ignored",
			metadata: `{"trace_id":"abc","user":"u1"}`,
			want:     Selection{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSelection(json.RawMessage(tt.metadata))
			if len(got.Agents) != len(tt.want.Agents) {
				t.Fatalf("agents = %d, want %d", len(got.Agents), len(tt.want.Agents))
			}
			for i := range got.Agents {
				if got.Agents[i] != tt.want.Agents[i] {
					t.Errorf("agent %d = %+v, want %+v", i, got.Agents[i], tt.want.Agents[i])
				}
			}
			if got.AgentRole != tt.want.AgentRole || got.NonBlocking != tt.want.NonBlocking {
				t.Errorf("selection = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	agents := []Candidate{
		{URL: "http://writer:1", Name: "Writer", Role: "writer"},
		{URL: "http://review:2", Name: "Reviewer", Role: "reviewer"},
	}

	tests := []struct {
		name        string
		resolver    *Resolver
		sel         Selection
		wantURL     string
		wantName    string
		wantErr     bool
		wantErrRole string
	}{
		{
			name:     "role match wins over order",
			resolver: NewResolver("", ""),
			sel:      Selection{Agents: agents, AgentRole: "reviewer"},
			wantURL:  "http://review:2",
			wantName: "Reviewer",
		},
		{
			name:     "no role falls back to first candidate",
			resolver: NewResolver("", ""),
			sel:      Selection{Agents: agents},
			wantURL:  "http://writer:1",
			wantName: "Writer",
		},
		{
			name:     "candidate without url is skipped",
			resolver: NewResolver("", ""),
			sel:      Selection{Agents: []Candidate{{Name: "broken"}, {URL: "http://ok:3", Name: "OK"}}},
			wantURL:  "http://ok:3",
			wantName: "OK",
		},
		{
			name:     "missing name defaults to url",
			resolver: NewResolver("", ""),
			sel:      Selection{Agents: []Candidate{{URL: "http://anon:4"}}},
			wantURL:  "http://anon:4",
			wantName: "http://anon:4",
		},
		{
			name:     "no candidates uses default",
			resolver: NewResolver("http://default:9", "Default Agent"),
			sel:      Selection{},
			wantURL:  "http://default:9",
			wantName: "Default Agent",
		},
		{
			name:     "role without match uses default",
			resolver: NewResolver("http://default:9", "Default Agent"),
			sel:      Selection{Agents: agents, AgentRole: "translator"},
			wantURL:  "http://default:9",
			wantName: "Default Agent",
		},
		{
			name:        "no candidates and no default fails",
			resolver:    NewResolver("", ""),
			sel:         Selection{},
			wantErr:     true,
			wantErrRole: "",
		},
		{
			name:        "role without match and no default fails",
			resolver:    NewResolver("", ""),
			sel:         Selection{Agents: agents, AgentRole: "translator"},
			wantErr:     true,
			wantErrRole: "translator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.resolver.Resolve(tt.sel)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected ResolutionError, got nil")
				}
				var resErr *ResolutionError
				if !errors.As(err, &resErr) {
					t.Fatalf("error type = %T, want *ResolutionError", err)
				}
				if resErr.Role != tt.wantErrRole {
					t.Errorf("error role = %q, want %q", resErr.Role, tt.wantErrRole)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Endpoint.URL != tt.wantURL {
				t.Errorf("url = %q, want %q", res.Endpoint.URL, tt.wantURL)
			}
			if res.Endpoint.DisplayName != tt.wantName {
				t.Errorf("name = %q, want %q", res.Endpoint.DisplayName, tt.wantName)
			}
		})
	}
}

func TestResolver_NonBlockingPassthrough(t *testing.T) {
	r := NewResolver("http://default:9", "Default")

	res, err := r.Resolve(Selection{NonBlocking: true})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.NonBlocking {
		t.Error("NonBlocking flag should pass through resolution")
	}

	res, _ = r.Resolve(Selection{})
	if res.NonBlocking {
		t.Error("NonBlocking should default to false")
	}
}

func TestResolver_HasDefault(t *testing.T) {
	if NewResolver("", "").HasDefault() {
		t.Error("HasDefault() = true for empty url")
	}
	if !NewResolver("http://d:1", "").HasDefault() {
		t.Error("HasDefault() = false with default configured")
	}
}
