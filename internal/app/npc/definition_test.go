package npc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefinitionDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte("name: Rat\nscript: rat.lua\n"))
	require.NoError(t, err)
	require.Equal(t, "Rat", def.Name)
	require.Nil(t, def.WalkTicks)

	p := newProfile(def)
	require.Equal(t, defaultWalkTicks, p.walkTicks)
	require.Equal(t, -1, p.walkRadius)
	require.True(t, p.ignoreHeight)
	require.False(t, p.attackable)
	require.Equal(t, BubbleNone, p.speechBubble)
}

func TestParseDefinitionFull(t *testing.T) {
	src := `
name: Sam
script: sam.lua
walk_ticks: 0
walk_radius: 3
speech_bubble: trade
attackable: true
ignore_height: false
floor_change: true
look:
  type: 131
  head: 19
parameters:
  greeting: "Welcome to my shop"
`
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)

	p := newProfile(def)
	require.Zero(t, p.walkTicks)
	require.Equal(t, 3, p.walkRadius)
	require.Equal(t, BubbleTrade, p.speechBubble)
	require.True(t, p.attackable)
	require.False(t, p.ignoreHeight)
	require.True(t, p.floorChange)
	require.Equal(t, Look{Type: 131, Head: 19}, p.look)
	require.Equal(t, "Welcome to my shop", p.params["greeting"])
}

func TestSpeechBubbleAcceptsNumbers(t *testing.T) {
	def, err := ParseDefinition([]byte("name: Q\nspeech_bubble: 3\n"))
	require.NoError(t, err)
	require.Equal(t, BubbleQuest, def.SpeechBubble)
}

func TestParseDefinitionRejects(t *testing.T) {
	cases := map[string]string{
		"missing name":    "script: x.lua\n",
		"blank name":      "name: '  '\n",
		"unknown field":   "name: X\nhealth: 10\n",
		"bad bubble":      "name: X\nspeech_bubble: shouting\n",
		"bubble overflow": "name: X\nspeech_bubble: 9\n",
		"negative radius": "name: X\nwalk_radius: -2\n",
		"not yaml":        "name: [\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(src))
			require.ErrorIs(t, err, ErrDefinition)
		})
	}
}
