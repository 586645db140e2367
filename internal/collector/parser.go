package collector

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogEvent represents a parsed event from an ADM log line.
type LogEvent struct {
	Timestamp time.Time
	Type      string
	Matcher   string // name of the matcher that produced the event
	Data      interface{}
}

// Event types
const (
	EventTypePosition   = "position"
	EventTypeTeleport   = "teleport"
	EventTypeKill       = "kill"
	EventTypeConnect    = "connect"
	EventTypeDisconnect = "disconnect"
	EventTypeSnapshot   = "snapshot"
)

// Event data structures
type PositionData struct {
	Player string
	X      float64
	Y      float64
	Z      float64
}

type TeleportData struct {
	Player string
	X      float64
	Y      float64
	Z      float64
}

type KillData struct {
	Victim string
	Killer string
}

type ConnectData struct {
	Player string
}

type DisconnectData struct {
	Player string
}

// Coord is a 2D ground coordinate from a PlayerList entry.
type Coord struct {
	X float64
	Z float64
}

// SnapshotData is one complete PlayerList block. Entries map gamertag to
// last-known coordinate. Signature identifies the block content so consumers
// can tell a genuinely new snapshot from a re-observed one.
type SnapshotData struct {
	Signature uint64
	Count     int // player count declared by the header
	Entries   map[string]Coord
}

// Player name fragment: the ADM format quotes names in most dialects but
// emits bare alphanumeric tags in a few older ones.
const playerNamePat = `(?:Player\s+"([^"]+)"|([A-Za-z0-9_]+))`

// Coordinate triple: pos=<x, y, z> with an optional "position=" spelling.
const coordPat = `(?:pos|position)\s*=\s*<\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*>`

var (
	// Matches the HH:MM:SS | prefix every ADM line carries
	timePrefixRegex = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})(?:\.\d+)?\s*\|\s*(.*)$`)

	playerListHeaderRegex = regexp.MustCompile(`^#+\s*PlayerList log:\s*(\d+)\s*players?`)
	playerListMarkerRegex = regexp.MustCompile(`^#+`)

	teleportRegex = regexp.MustCompile(`^Player\s+"([^"]+)".*?\bwas teleported\b.*?to:?\s*<\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*>`)

	killRegex       = regexp.MustCompile(`^Player\s+"([^"]+)"(?:\s*\(DEAD\))?.*?\bkilled by Player\s+"([^"]+)"`)
	killQuotedRegex = regexp.MustCompile(`^Player\s+"([^"]+)"(?:\s*\(DEAD\))?.*?\bkilled by\s+"([^"]+)"`)

	// Disconnect must be tried before connect: both dialects end in
	// "connected" and the connect pattern is the looser of the two.
	disconnectRegex = regexp.MustCompile(`^` + playerNamePat + `.*?\b(?:has been |is |was )?disconnected\b`)
	connectRegex    = regexp.MustCompile(`^` + playerNamePat + `.*?\b(?:is|has|has been) connected\b`)

	positionRegex = regexp.MustCompile(`^` + playerNamePat + `.*?` + coordPat)
)

// matcher binds a name to a pattern and a constructor. Order in the matchers
// slice is the priority order: first match wins, one event per line at most.
type matcher struct {
	name  string
	re    *regexp.Regexp
	build func(m []string) (string, interface{})
}

var matchers = []matcher{
	{
		name: "teleport",
		re:   teleportRegex,
		build: func(m []string) (string, interface{}) {
			x, y, z, ok := parseCoords(m[2], m[3], m[4])
			if !ok {
				return "", nil
			}
			return EventTypeTeleport, TeleportData{Player: m[1], X: x, Y: y, Z: z}
		},
	},
	{
		name: "kill",
		re:   killRegex,
		build: func(m []string) (string, interface{}) {
			return EventTypeKill, KillData{Victim: m[1], Killer: m[2]}
		},
	},
	{
		name: "kill-quoted",
		re:   killQuotedRegex,
		build: func(m []string) (string, interface{}) {
			return EventTypeKill, KillData{Victim: m[1], Killer: m[2]}
		},
	},
	{
		name: "disconnect",
		re:   disconnectRegex,
		build: func(m []string) (string, interface{}) {
			return EventTypeDisconnect, DisconnectData{Player: pickName(m[1], m[2])}
		},
	},
	{
		name: "connect",
		re:   connectRegex,
		build: func(m []string) (string, interface{}) {
			return EventTypeConnect, ConnectData{Player: pickName(m[1], m[2])}
		},
	},
	{
		name: "position",
		re:   positionRegex,
		build: func(m []string) (string, interface{}) {
			x, y, z, ok := parseCoords(m[3], m[4], m[5])
			if !ok {
				return "", nil
			}
			return EventTypePosition, PositionData{Player: pickName(m[1], m[2]), X: x, Y: y, Z: z}
		},
	},
}

// snapshotBlock accumulates the lines of one PlayerList block between its
// header and footer marker.
type snapshotBlock struct {
	expected int
	lines    []string
	entries  map[string]Coord
}

// Parser turns raw ADM lines into typed events. It is stateful only across a
// PlayerList block; everything else is line-at-a-time. Not safe for
// concurrent use; each polling loop owns one.
type Parser struct {
	log        zerolog.Logger
	block      *snapshotBlock
	blockIndex int
}

func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log}
}

// Parse maps one raw line to zero or one event. The timestamp prefix carries
// only a time of day, so the date is taken from now. Lines with malformed
// numeric fields are dropped without an event.
func (p *Parser) Parse(line string, now time.Time) *LogEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	ts := now
	content := line
	if m := timePrefixRegex.FindStringSubmatch(line); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		ss, _ := strconv.Atoi(m[3])
		if hh < 24 && mm < 60 && ss < 60 {
			y, mo, d := now.UTC().Date()
			ts = time.Date(y, mo, d, hh, mm, ss, 0, time.UTC)
			// A stamp ahead of the wall clock belongs to yesterday
			if ts.After(now.Add(time.Hour)) {
				ts = ts.AddDate(0, 0, -1)
			}
		}
		content = m[4]
	}

	if ev, consumed := p.handlePlayerList(content, ts); consumed {
		return ev
	}

	for _, m := range matchers {
		groups := m.re.FindStringSubmatch(content)
		if groups == nil {
			continue
		}
		typ, data := m.build(groups)
		if typ == "" {
			p.log.Debug().Str("matcher", m.name).Str("line", content).Msg("dropping line with malformed fields")
			return nil
		}
		return &LogEvent{Timestamp: ts, Type: typ, Matcher: m.name, Data: data}
	}
	return nil
}

// handlePlayerList drives the block state machine. While a block is open
// lines are consumed here: entries are collected and no individual events are
// emitted until the footer closes the block into one Snapshot. A false
// consumed result sends the line back through the ordered matchers.
func (p *Parser) handlePlayerList(content string, ts time.Time) (ev *LogEvent, consumed bool) {
	if m := playerListHeaderRegex.FindStringSubmatch(content); m != nil {
		if p.block != nil {
			p.log.Warn().Msg("playerlist block reopened before footer, discarding partial block")
		}
		expected, err := strconv.Atoi(m[1])
		if err != nil {
			expected = 0
		}
		p.blockIndex++
		p.block = &snapshotBlock{
			expected: expected,
			entries:  make(map[string]Coord, expected),
		}
		return nil, true
	}

	if p.block == nil {
		return nil, false
	}

	if playerListMarkerRegex.MatchString(content) {
		return p.closeBlock(ts), true
	}

	b := p.block

	// Footer never arrived: cap the block so a truncated log cannot grow
	// it without bound. The line that tripped the cap is not part of the
	// block; it goes back to the matchers.
	if len(b.lines) >= b.expected*2+16 {
		p.log.Warn().Int("lines", len(b.lines)).Msg("playerlist block missing footer, abandoning")
		p.block = nil
		return nil, false
	}

	b.lines = append(b.lines, content)
	if m := positionRegex.FindStringSubmatch(content); m != nil {
		if x, _, z, ok := coordsFrom(m); ok {
			b.entries[pickName(m[1], m[2])] = Coord{X: x, Z: z}
		}
	}
	return nil, true
}

func (p *Parser) closeBlock(ts time.Time) *LogEvent {
	b := p.block
	p.block = nil

	h := fnv.New64a()
	h.Write([]byte(strconv.Itoa(p.blockIndex)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(b.expected)))
	for _, line := range b.lines {
		h.Write([]byte{0})
		h.Write([]byte(line))
	}

	return &LogEvent{
		Timestamp: ts,
		Type:      EventTypeSnapshot,
		Matcher:   "playerlist",
		Data: SnapshotData{
			Signature: h.Sum64(),
			Count:     b.expected,
			Entries:   b.entries,
		},
	}
}

// pickName resolves the quoted/unquoted alternation of playerNamePat.
func pickName(quoted, bare string) string {
	if quoted != "" {
		return quoted
	}
	return bare
}

func parseCoords(xs, ys, zs string) (x, y, z float64, ok bool) {
	var err error
	if x, err = strconv.ParseFloat(xs, 64); err != nil {
		return 0, 0, 0, false
	}
	if y, err = strconv.ParseFloat(ys, 64); err != nil {
		return 0, 0, 0, false
	}
	if z, err = strconv.ParseFloat(zs, 64); err != nil {
		return 0, 0, 0, false
	}
	return x, y, z, true
}

func coordsFrom(m []string) (x, y, z float64, ok bool) {
	return parseCoords(m[3], m[4], m[5])
}
