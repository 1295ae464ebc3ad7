// Package sym defines canonical symbols for Polar subsystems.
// These symbols are stable across logs, CLI output and the websocket feed.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // scheduler ticks, event processing
	PulseOpen  = "✿" // daemon startup
	PulseClose = "❀" // daemon shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Ledger     = "▤" // run-event ledger and task-board replay
	Queue      = "⟲" // retry and dead-letter queues
)

// SymbolToCommand maps glyphs to the CLI command that operates on them.
var SymbolToCommand = map[string]string{
	Pulse:  "pulse",
	DB:     "db",
	AM:     "am",
	Ledger: "runs",
	Queue:  "queue",
}

// CommandToSymbol maps CLI commands to their glyph.
var CommandToSymbol = map[string]string{
	"pulse": Pulse,
	"db":    DB,
	"am":    AM,
	"runs":  Ledger,
	"queue": Queue,
}

// CommandDescriptions are shown in CLI help headers.
var CommandDescriptions = map[string]string{
	"pulse": "Scheduler daemon and event processing",
	"db":    "Database maintenance",
	"am":    "Configuration",
	"runs":  "Run-event ledger and task-board replay",
	"queue": "Retry and dead-letter queues",
}
