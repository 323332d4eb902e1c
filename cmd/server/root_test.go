package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "process", "token", "migrate", "topup"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "fiscal-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("store"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestProcessCommand_Flags(t *testing.T) {
	flag := processCmd.Flags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "json", flag.DefValue)
	assert.Equal(t, "o", flag.Shorthand)
	require.NotNil(t, processCmd.Flags().Lookup("tenant"))
}

func TestTopupCommand_Flags(t *testing.T) {
	require.NotNil(t, topupCmd.Flags().Lookup("tenant"))
	require.NotNil(t, topupCmd.Flags().Lookup("amount"))
}
