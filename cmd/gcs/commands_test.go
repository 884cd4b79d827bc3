package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gcsruntime/gcs/internal/exec"
)

func TestStdinDecider(t *testing.T) {
	cases := []struct {
		answer string
		want   bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
		{"", false}, // EOF denies
	}
	for _, tc := range cases {
		var out bytes.Buffer
		decider := stdinDecider(strings.NewReader(tc.answer), &out)
		got := decider(context.Background(), &exec.ApprovalRequest{
			ToolName: "website_check",
			Params:   map[string]any{"url": "https://x"},
		})
		if got != tc.want {
			t.Errorf("answer %q: want %v, got %v", tc.answer, tc.want, got)
		}
		if !strings.Contains(out.String(), "website_check") {
			t.Errorf("prompt must name the tool: %q", out.String())
		}
	}
}

func TestSubcommandsConstruct(t *testing.T) {
	cmds := map[string]interface{ Name() string }{
		"run":             newRunCmd(),
		"chat":            newChatCmd(),
		"list-configs":    newListConfigsCmd(),
		"load-config":     newLoadConfigCmd(),
		"auth":            newAuthCmd(),
		"auth-status":     newAuthStatusCmd(),
		"switch-provider": newSwitchProviderCmd(),
	}
	for want, cmd := range cmds {
		if cmd.Name() != want {
			t.Errorf("expected command %q, got %q", want, cmd.Name())
		}
	}
}

func TestLoadConfigRequiresName(t *testing.T) {
	cmd := newLoadConfigCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Error("load-config without --config-name must fail")
	}
}

func TestSwitchProviderRequiresAFlag(t *testing.T) {
	cmd := newSwitchProviderCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Error("switch-provider without flags must fail")
	}
}
