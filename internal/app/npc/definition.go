package npc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrDefinition      = errors.New("invalid npc definition")
	ErrScriptNotLoaded = errors.New("npc script not loaded")
	ErrNotFound        = errors.New("npc not found")
)

const defaultWalkTicks uint32 = 15

type SpeechBubble uint8

const (
	BubbleNone SpeechBubble = iota
	BubbleNormal
	BubbleTrade
	BubbleQuest
	BubbleQuestTrader
)

var bubbleNames = map[string]SpeechBubble{
	"none":         BubbleNone,
	"normal":       BubbleNormal,
	"trade":        BubbleTrade,
	"quest":        BubbleQuest,
	"quest_trader": BubbleQuestTrader,
}

// UnmarshalYAML accepts either the bubble name or its numeric value.
func (b *SpeechBubble) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("speech_bubble must be a scalar")
	}
	if v, ok := bubbleNames[strings.ToLower(value.Value)]; ok {
		*b = v
		return nil
	}
	n, err := strconv.ParseUint(value.Value, 10, 8)
	if err != nil || SpeechBubble(n) > BubbleQuestTrader {
		return fmt.Errorf("unknown speech_bubble %q", value.Value)
	}
	*b = SpeechBubble(n)
	return nil
}

type Look struct {
	Type   int `yaml:"type" json:"type"`
	Head   int `yaml:"head" json:"head"`
	Body   int `yaml:"body" json:"body"`
	Legs   int `yaml:"legs" json:"legs"`
	Feet   int `yaml:"feet" json:"feet"`
	Addons int `yaml:"addons" json:"addons"`
}

// Definition is the parsed content of one <name>.yaml file.
type Definition struct {
	Name         string            `yaml:"name"`
	Script       string            `yaml:"script"`
	WalkTicks    *uint32           `yaml:"walk_ticks"`
	WalkRadius   *int              `yaml:"walk_radius"`
	SpeechBubble SpeechBubble      `yaml:"speech_bubble"`
	Attackable   bool              `yaml:"attackable"`
	IgnoreHeight *bool             `yaml:"ignore_height"`
	FloorChange  bool              `yaml:"floor_change"`
	Look         Look              `yaml:"look"`
	Parameters   map[string]string `yaml:"parameters"`
}

func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return Definition{}, fmt.Errorf("%w: name is required", ErrDefinition)
	}
	if def.WalkRadius != nil && *def.WalkRadius < 0 {
		return Definition{}, fmt.Errorf("%w: walk_radius must be >= 0", ErrDefinition)
	}
	return def, nil
}

// profile is everything a definition contributes to a live NPC. Reload swaps
// it as one value.
type profile struct {
	name         string
	script       string
	params       map[string]string
	walkTicks    uint32
	walkRadius   int
	speechBubble SpeechBubble
	floorChange  bool
	attackable   bool
	ignoreHeight bool
	look         Look
}

func defaultProfile(name string) profile {
	return profile{
		name:         name,
		params:       map[string]string{},
		walkTicks:    defaultWalkTicks,
		walkRadius:   -1,
		ignoreHeight: true,
	}
}

func newProfile(def Definition) profile {
	p := defaultProfile(def.Name)
	p.script = def.Script
	if def.WalkTicks != nil {
		p.walkTicks = *def.WalkTicks
	}
	if def.WalkRadius != nil {
		p.walkRadius = *def.WalkRadius
	}
	if def.IgnoreHeight != nil {
		p.ignoreHeight = *def.IgnoreHeight
	}
	p.speechBubble = def.SpeechBubble
	p.floorChange = def.FloorChange
	p.attackable = def.Attackable
	p.look = def.Look
	for k, v := range def.Parameters {
		p.params[k] = v
	}
	return p
}
