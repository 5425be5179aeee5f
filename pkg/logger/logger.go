// Package logger builds the zap-backed logr.Logger used throughout the
// sidecar, following the same console/json encoder split and KubeAwareEncoder
// wrapping that every component's logs pass through.
package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var (
	consoleEncoder zapcore.Encoder
	jsonEncoder    zapcore.Encoder
)

// NewZap builds a logr.Logger backed by zap. encoder is "console" or "json";
// level is any value zap's AtomicLevel accepts ("debug", "info", "warn", ...).
func NewZap(encoder, level string) (logr.Logger, error) {
	var enc zapcore.Encoder
	switch strings.ToLower(encoder) {
	case "", "console":
		enc = consoleEncoder
	case "json":
		enc = jsonEncoder
	default:
		return logr.Logger{}, fmt.Errorf("%q is an invalid encoder", encoder)
	}

	ll, err := parseLevel(level)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}

	core := zapcore.NewCore(&ctrlzap.KubeAwareEncoder{Encoder: enc}, zapcore.Lock(os.Stdout), ll)

	opts := []zap.Option{
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	}
	log := zap.New(core, opts...)

	return zapr.NewLogger(log), nil
}

func parseLevel(name string) (zapcore.LevelEnabler, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return nil, fmt.Errorf("%q is an invalid log level: %w", name, err)
	}
	return lvl, nil
}

func init() {
	humanCfg := zap.NewDevelopmentEncoderConfig()
	machineCfg := zap.NewProductionEncoderConfig()

	humanCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	machineCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	consoleEncoder = zapcore.NewConsoleEncoder(humanCfg)
	jsonEncoder = zapcore.NewJSONEncoder(machineCfg)
}
