package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/gogpu/tilemap"
	"github.com/gogpu/tilemap/config"
	"github.com/gogpu/tilemap/style"
)

// defaultStyle draws every feature in neutral colors.
const defaultStyle = `{
	"default_symbol": {
		"point": {"size": 4, "color": "#444444"},
		"line": {"width": 1, "stroke_color": "#666666"},
		"polygon": {"fill_color": "#cccccc", "stroke_color": "#999999", "stroke_width": 1}
	}
}`

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// setup loads the configuration and routes library logs through zap.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	tilemap.SetLogger(slog.New(zapslog.NewHandler(log.Core(), zapslog.WithName("tilemap"))))
	return cfg, log, nil
}

func loadStyle(path string) (*style.Rules, error) {
	if path == "" {
		return style.Parse([]byte(defaultStyle))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return style.Parse(data)
}

// parseBBox reads "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[2] <= v[0] || v[3] <= v[1] || v[1] < -90 || v[3] > 90 {
		return orb.Bound{}, fmt.Errorf("bbox %q: empty or out of range", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
