package logger

import (
	"github.com/teranos/polar/sym"
	"go.uber.org/zap"
)

// Instance logger wrappers.
// These attach a subsystem glyph as a structured field so logs stay
// queryable by symbol while messages stay clean.
//
//	type Ticker struct {
//	    pulseLog *zap.SugaredLogger
//	}
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddLedgerSymbol wraps a logger with the Ledger symbol (▤)
func AddLedgerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Ledger)
}

// AddQueueSymbol wraps a logger with the Queue symbol (⟲)
func AddQueueSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Queue)
}

// PulseInfow logs an info message on the global logger with the Pulse symbol
func PulseInfow(msg string, keysAndValues ...interface{}) {
	fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
	Logger.Infow(msg, fields...)
}

// PulseWarnw logs a warning on the global logger with the Pulse symbol
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
	Logger.Warnw(msg, fields...)
}
