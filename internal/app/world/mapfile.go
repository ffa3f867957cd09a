package world

import (
	"encoding/json"
	"fmt"
	"os"

	domainworld "npc-server/internal/domain/world"
)

type MapJSON struct {
	Width  int                    `json:"width"`
	Height int                    `json:"height"`
	Floor  int                    `json:"floor"`
	Spawn  domainworld.SpawnPoint `json:"spawn"`
	Rows   []string               `json:"rows"`
	NPCs   []NPCSpawn             `json:"npcs"`
}

// NPCSpawn places one NPC definition on the map at startup.
type NPCSpawn struct {
	Key string `json:"key"`
	X   int    `json:"x"`
	Y   int    `json:"y"`
}

var tileRunes = map[rune]domainworld.TileType{
	'.': domainworld.TileGrass,
	'~': domainworld.TileWater,
	'#': domainworld.TileWall,
	'^': domainworld.TileForest,
	'=': domainworld.TileHill,
	'>': domainworld.TileStairs,
}

func loadWorldMap(path string) (domainworld.TileMap, []NPCSpawn, error) {
	if path == "" {
		return domainworld.TileMap{}, nil, fmt.Errorf("empty world map path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return domainworld.TileMap{}, nil, fmt.Errorf("read world map: %w", err)
	}
	var data MapJSON
	if err := json.Unmarshal(b, &data); err != nil {
		return domainworld.TileMap{}, nil, fmt.Errorf("parse world map json: %w", err)
	}
	if data.Width <= 0 || data.Height <= 0 {
		return domainworld.TileMap{}, nil, fmt.Errorf("invalid map dimensions")
	}
	if len(data.Rows) != data.Height {
		return domainworld.TileMap{}, nil, fmt.Errorf("rows count must equal height")
	}
	if data.Floor == 0 {
		data.Floor = domainworld.DefaultFloor
	}
	tiles := make([][]domainworld.TileType, data.Height)
	for y := 0; y < data.Height; y++ {
		if len(data.Rows[y]) != data.Width {
			return domainworld.TileMap{}, nil, fmt.Errorf("row %d width mismatch", y)
		}
		row := make([]domainworld.TileType, data.Width)
		for x, r := range data.Rows[y] {
			t, ok := tileRunes[r]
			if !ok {
				return domainworld.TileMap{}, nil, fmt.Errorf("unknown tile rune %q", string(r))
			}
			row[x] = t
		}
		tiles[y] = row
	}

	spawns := make([]NPCSpawn, 0, len(data.NPCs))
	for _, sp := range data.NPCs {
		if sp.Key == "" {
			continue
		}
		spawns = append(spawns, sp)
	}
	return domainworld.TileMap{
		Width:  data.Width,
		Height: data.Height,
		Floor:  data.Floor,
		Spawn:  data.Spawn,
		Tiles:  tiles,
	}, spawns, nil
}

func fallbackWorld() (domainworld.TileMap, []NPCSpawn) {
	width, height := 32, 32
	tiles := make([][]domainworld.TileType, height)
	for y := 0; y < height; y++ {
		row := make([]domainworld.TileType, width)
		for x := 0; x < width; x++ {
			if x == 0 || y == 0 || x == width-1 || y == height-1 {
				row[x] = domainworld.TileWall
				continue
			}
			row[x] = domainworld.TileGrass
		}
		tiles[y] = row
	}
	return domainworld.TileMap{
		Width:  width,
		Height: height,
		Floor:  domainworld.DefaultFloor,
		Spawn:  domainworld.SpawnPoint{X: 2, Y: 2},
		Tiles:  tiles,
	}, nil
}
