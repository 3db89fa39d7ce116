package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStack = `
services:
  - name: echo
    handler: echo
  - name: greeter
    proto: tcp
    handler: greeter
    bindHost: 0.0.0.0
    args: ["hello"]
children:
  - handler: greet-client
    services: [greeter]
  - handler: greet-client
    services: [greeter]
    passive: true
local:
  - handler: ping
    services: [echo]
remotes:
  - host: build-box
    task: greet
    services: [greeter]
    tunnel: true
    log: file
    logFile: /tmp/ezserve-remote.log
`

func TestLoadStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleStack), 0644))

	stack, err := LoadStack(path)
	require.NoError(t, err)

	require.Len(t, stack.Services, 2)
	assert.Equal(t, "tcp", stack.Services[1].Proto)
	assert.Equal(t, "0.0.0.0", stack.Services[1].BindHost)
	assert.Equal(t, []string{"hello"}, stack.Services[1].Args)
	require.Len(t, stack.Children, 2)
	assert.True(t, stack.Children[1].Passive)
	require.Len(t, stack.Remotes, 1)
	assert.True(t, stack.Remotes[0].Tunnel)
	assert.Equal(t, "/tmp/ezserve-remote.log", stack.Remotes[0].LogFile)
}

func TestStackValidate(t *testing.T) {
	base := func() Stack {
		return Stack{
			Services: []ServiceDefinition{{Name: "echo", Handler: "echo"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Stack)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s *Stack) {},
		},
		{
			name:    "duplicate service",
			mutate:  func(s *Stack) { s.Services = append(s.Services, ServiceDefinition{Name: "echo", Handler: "echo"}) },
			wantErr: "duplicate service name",
		},
		{
			name:    "missing handler",
			mutate:  func(s *Stack) { s.Services[0].Handler = "" },
			wantErr: "handler is required",
		},
		{
			name:    "unknown reference",
			mutate:  func(s *Stack) { s.Children = []ChildDefinition{{Handler: "ping", Services: []string{"nope"}}} },
			wantErr: "unknown service \"nope\"",
		},
		{
			name: "table allows undeclared references",
			mutate: func(s *Stack) {
				s.Table = "/tmp/t.yaml"
				s.Local = []LocalDefinition{{Handler: "ping", Services: []string{"elsewhere"}}}
			},
		},
		{
			name: "remote needs a task",
			mutate: func(s *Stack) {
				s.Remotes = []RemoteDefinition{{Host: "h", Services: []string{"echo"}}}
			},
			wantErr: "one of task or external is required",
		},
		{
			name: "remote file log needs a path",
			mutate: func(s *Stack) {
				s.Remotes = []RemoteDefinition{{Host: "h", Task: "greet", Services: []string{"echo"}, Log: "file"}}
			},
			wantErr: "logFile is required",
		},
		{
			name: "remote unknown log destination",
			mutate: func(s *Stack) {
				s.Remotes = []RemoteDefinition{{Host: "h", Task: "greet", Services: []string{"echo"}, Log: "syslog"}}
			},
			wantErr: "unknown log destination",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
