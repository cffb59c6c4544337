package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestSubcommands(t *testing.T) {
	tests := []struct {
		name string
		subs []string
	}{
		{"serve", nil},
		{"relay", nil},
		{"consume", nil},
		{"migrate", []string{"status", "up"}},
		{"topics", []string{"ensure", "list"}},
	}

	cmds := map[string]func() []string{
		"serve":   func() []string { return names(serveCmd().Commands()) },
		"relay":   func() []string { return names(relayCmd().Commands()) },
		"consume": func() []string { return names(consumeCmd().Commands()) },
		"migrate": func() []string { return names(migrateCmd().Commands()) },
		"topics":  func() []string { return names(topicsCmd().Commands()) },
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.subs, cmds[tt.name]())
		})
	}
}

func TestTopicsGroupFlagDefault(t *testing.T) {
	cmd := topicsCmd()
	group, err := cmd.PersistentFlags().GetString("group")
	assert.NoError(t, err)
	assert.Equal(t, "medrecon-reconciler", group)
}

func names(cmds []*cobra.Command) []string {
	var out []string
	for _, c := range cmds {
		out = append(out, c.Name())
	}
	return out
}
