// Package logging builds the node's structured logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON zap logger at the provided level, stamped with the
// node role so the two nodes' logs can be interleaved during debugging.
func NewLogger(level, nodeRole string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if nodeRole != "" {
		log = log.With(zap.String("node_role", nodeRole))
	}
	return log, nil
}
