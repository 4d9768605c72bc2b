// Package matchdata reads the parsed demo blob produced by the demo
// parse worker and answers the queries round selection needs: who
// played, and who killed whom in which round.
package matchdata

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Player is one connected participant. XUID arrives from the parser
// as a [low, high] pair of 32 bit halves.
type Player struct {
	XUID       uint64
	Name       string
	UserID     int
	Fakeplayer bool
}

// Death is one player_death event attributed to grounded players.
type Death struct {
	Tick     int
	Round    int
	Victim   Player
	Attacker Player
	Weapon   string
	Pos      []float64
}

// Match is the queryable view over one parsed demo.
type Match struct {
	Map       string
	Tickrate  float64
	Protocol  int
	MaxRounds int
	Score     []int
	Rounds    int

	players  map[int]Player // by grounded userid
	idMapper map[int]int    // reconnect userid -> first userid
	rounds   map[int][]Death
}

type rawBlob struct {
	DemoHeader struct {
		MapName  string  `json:"mapname"`
		Tickrate float64 `json:"tickrate"`
		Protocol int     `json:"protocol"`
	} `json:"demoheader"`
	Convars struct {
		MaxRounds json.RawMessage `json:"mp_maxrounds"`
	} `json:"convars"`
	StringTables []json.RawMessage `json:"stringtables"`
	Events       []json.RawMessage `json:"events"`
	Score        []int             `json:"score"`
}

type rawUserInfo struct {
	Table      string         `json:"table"`
	XUID       [2]json.Number `json:"xuid"`
	Name       string         `json:"name"`
	UserID     int            `json:"userid"`
	Fakeplayer bool           `json:"fakeplayer"`
}

func intFromRaw(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		fmt.Sscanf(s, "%d", &n)
	}
	return n
}

type rawEvent struct {
	Event    string    `json:"event"`
	Tick     int       `json:"tick"`
	Victim   int       `json:"victim"`
	Attacker int       `json:"attacker"`
	Weapon   string    `json:"weapon"`
	Pos      []float64 `json:"pos"`
}

// Parse builds the match view from a parsed demo blob.
func Parse(data []byte) (*Match, error) {
	var raw rawBlob
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding match data: %w", err)
	}

	m := &Match{
		Map:      raw.DemoHeader.MapName,
		Tickrate: raw.DemoHeader.Tickrate,
		Protocol: raw.DemoHeader.Protocol,
		Score:    raw.Score,
		players:  make(map[int]Player),
		idMapper: make(map[int]int),
		rounds:   make(map[int][]Death),
	}

	// mp_maxrounds arrives as either a number or a quoted string
	// depending on the parser version.
	m.MaxRounds = intFromRaw(raw.Convars.MaxRounds)

	for _, table := range raw.StringTables {
		var info rawUserInfo
		if err := json.Unmarshal(table, &info); err != nil {
			return nil, fmt.Errorf("decoding stringtable: %w", err)
		}
		if info.Table == "userinfo" {
			m.addPlayer(info)
		}
	}

	round := 0
	for _, rawEv := range raw.Events {
		var ev rawEvent
		if err := json.Unmarshal(rawEv, &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}

		switch ev.Event {
		case "round_announce_match_start":
			round = 1
		case "round_officially_ended":
			round++
		case "player_death":
			m.rounds[round] = append(m.rounds[round], Death{
				Tick:     ev.Tick,
				Round:    round,
				Victim:   m.playerByID(ev.Victim),
				Attacker: m.playerByID(ev.Attacker),
				Weapon:   ev.Weapon,
				Pos:      ev.Pos,
			})
		}
	}
	m.Rounds = round

	return m, nil
}

// PlayerByXUID finds a participant by steam id.
func (m *Match) PlayerByXUID(xuid uint64) (Player, bool) {
	for _, p := range m.players {
		if p.XUID == xuid {
			return p, true
		}
	}
	return Player{}, false
}

// KillsInRound lists the kills a player made in one round, in tick
// order.
func (m *Match) KillsInRound(xuid uint64, round int) []Death {
	var kills []Death
	for _, death := range m.rounds[round] {
		if death.Attacker.XUID == xuid {
			kills = append(kills, death)
		}
	}
	return kills
}

// Kills groups a player's kills by round, skipping empty rounds.
func (m *Match) Kills(xuid uint64) map[int][]Death {
	kills := make(map[int][]Death)
	for round := range m.rounds {
		if inRound := m.KillsInRound(xuid, round); len(inRound) > 0 {
			kills[round] = inRound
		}
	}
	return kills
}

// KillRounds lists the rounds a player got kills in, ascending.
func (m *Match) KillRounds(xuid uint64) []int {
	var rounds []int
	for round := range m.Kills(xuid) {
		rounds = append(rounds, round)
	}
	sort.Ints(rounds)
	return rounds
}

// addPlayer registers a userinfo entry, mapping reconnect userids
// back to the first one seen for the same steam id.
func (m *Match) addPlayer(info rawUserInfo) {
	low, _ := info.XUID[0].Int64()
	high, _ := info.XUID[1].Int64()

	p := Player{
		XUID:       uint64(high)<<32 + uint64(low),
		Name:       info.Name,
		UserID:     info.UserID,
		Fakeplayer: info.Fakeplayer,
	}

	for _, existing := range m.players {
		if existing.XUID == p.XUID {
			m.idMapper[p.UserID] = existing.UserID
			return
		}
	}
	m.players[p.UserID] = p
}

func (m *Match) playerByID(id int) Player {
	if grounded, ok := m.idMapper[id]; ok {
		id = grounded
	}
	return m.players[id]
}
