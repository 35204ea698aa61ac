package spidex

import "go.uber.org/zap"

// NewLogger builds the logger used by the command-line client. Library
// components default to a no-op logger unless one is passed in.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func targetField(t Target) zap.Field {
	return zap.String("conversation", t.String())
}
