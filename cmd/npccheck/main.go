// Command npccheck loads every NPC definition and behavior script and prints
// what each one declares.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"npc-server/internal/app/npc"
	worldapp "npc-server/internal/app/world"
	"npc-server/internal/platform/config"
)

type report struct {
	Key      string   `yaml:"key"`
	Name     string   `yaml:"name,omitempty"`
	Loaded   bool     `yaml:"loaded"`
	Handlers []string `yaml:"handlers,omitempty"`
	Error    string   `yaml:"error,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	defDir := flag.String("definitions", cfg.NPCDefinitionDir, "directory of npc definition files")
	scriptDir := flag.String("scripts", cfg.NPCScriptDir, "directory of npc scripts")
	library := flag.String("library", cfg.NPCLibraryFile, "shared npc library script")
	verbose := flag.Bool("v", false, "log script output")
	flag.Parse()

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	reports, ok, err := check(context.Background(), logger, *defDir, *scriptDir, *library, cfg.ScriptCallTimeout, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "npccheck: %v\n", err)
		os.Exit(2)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(2)
	}
	_ = enc.Close()
	if !ok {
		os.Exit(1)
	}
}

// check spawns each definition into an empty world. ok is false when any
// definition or script failed.
func check(ctx context.Context, logger zerolog.Logger, defDir, scriptDir, library string, timeout time.Duration, keys []string) ([]report, bool, error) {
	store := npc.NewStore(defDir, nil, 0)
	if len(keys) == 0 {
		var err error
		if keys, err = store.Keys(); err != nil {
			return nil, false, err
		}
	}
	world := worldapp.NewService(logger, nil, nil, worldapp.Options{
		ZoneID:      "npccheck",
		Definitions: store,
		ScriptDir:   scriptDir,
		LibraryFile: library,
		CallTimeout: timeout,
	})
	defer world.Stop()

	ok := true
	reports := make([]report, 0, len(keys))
	for _, key := range keys {
		r := report{Key: key}
		st, err := world.SpawnNPC(ctx, key, nil)
		if err != nil {
			r.Error = err.Error()
			ok = false
			reports = append(reports, r)
			continue
		}
		r.Name = st.Name
		r.Loaded = st.Loaded
		r.Handlers = st.Handlers
		if !st.Loaded {
			r.Error = "script did not load"
			ok = false
		}
		_ = world.RemoveNPC(st.ID)
		reports = append(reports, r)
	}
	return reports, ok, nil
}
