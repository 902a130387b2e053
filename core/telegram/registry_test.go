package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/marketbot/core/telegram/commands"
)

func noop(tele.Context) error { return nil }

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"sell":              "/sell",
		"/Sell":             "/sell",
		"/sell@market_bot":  "/sell",
		"  //my_listings  ": "/my_listings",
		"/":                 "",
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, commands.Canonical(in), in)
	}
}

func TestRegisterCommandAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCommand(commands.Command{
		Name: "sell", Description: "Create a listing", Handler: noop, Aliases: []string{"plaseaza_anunt", "sell"},
	}))
	require.NoError(t, reg.RegisterCommand(commands.Command{
		Name: "/stats", Description: "Stats", Handler: noop, AdminOnly: true,
	}))

	key, cmd, ok := reg.LookupCommand("/Plaseaza_Anunt@bot")
	require.True(t, ok)
	assert.Equal(t, "/sell", key)
	assert.Equal(t, []string{"/plaseaza_anunt"}, cmd.Aliases)

	_, _, ok = reg.LookupCommand("help")
	assert.False(t, ok)

	names := make([]string, 0)
	for _, c := range reg.Commands() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"/sell", "/stats"}, names)
	assert.Equal(t, []tele.Command{{Text: "sell", Description: "Create a listing"}}, reg.ListCommands(true))
	assert.Len(t, reg.ListCommands(false), 2)
}

func TestRegisterCommandRejects(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCommand(commands.Command{Name: "sell", Description: "d", Handler: noop, Aliases: []string{"vinde"}}))

	bad := []commands.Command{
		{Name: "", Description: "d", Handler: noop},
		{Name: "help", Handler: noop},
		{Name: "help", Description: "d"},
		{Name: "SELL", Description: "d", Handler: noop},
		{Name: "vinde", Description: "d", Handler: noop},
		{Name: "other", Description: "d", Handler: noop, Aliases: []string{"sell"}},
	}
	for _, cmd := range bad {
		assert.Error(t, reg.RegisterCommand(cmd), cmd.Name)
	}
	assert.Len(t, reg.Commands(), 1)
}

func TestRegisterCallback(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCallback("cat", noop))
	require.Error(t, reg.RegisterCallback("cat", noop))
	require.Error(t, reg.RegisterCallback("", noop))
	require.Error(t, reg.RegisterCallback("sub", nil))

	_, ok := reg.GetCallback("cat")
	assert.True(t, ok)
	assert.Equal(t, []string{"cat"}, reg.ListCallbacks())
	assert.NotNil(t, reg.CallbackNotFound())

	reg.SetCallbackNotFound(nil)
	assert.NotNil(t, reg.CallbackNotFound())
	assert.Nil(t, reg.TextFallback())
	reg.SetTextFallback(noop)
	assert.NotNil(t, reg.TextFallback())
}
