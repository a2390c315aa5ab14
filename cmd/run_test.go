package cmd

import (
	"context"
	"testing"

	"github.com/guildgate/guildgate/guildgate"
	"github.com/stretchr/testify/assert"
)

func TestRunExitsOneOnInvalidEnvironment(t *testing.T) {
	t.Parallel()
	// no mongo URI, no discord credentials
	code := runGuildGate(context.Background(), guildgate.DefaultConfig())
	assert.Equal(t, exitCodeBadEnvironment, code)
}

func TestRunExitsTwoOnRuntimeFault(t *testing.T) {
	t.Parallel()
	config := guildgate.DefaultConfig()
	config.Mongo.URI = "mongodb://127.0.0.1:27017"
	config.Discord.Token = "token"
	config.Discord.ApplicationID = "app-1"

	// config is valid, so the failure happens inside Run (the store
	// ping fails on the dead context) and must not report as an
	// environment problem
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := runGuildGate(ctx, config)
	assert.Equal(t, exitCodeRuntimeFault, code)
}
