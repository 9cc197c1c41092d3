// Package config loads engine configuration from CUE files.
//
// A file provides an engine struct; the embedded schema validates it and
// fills defaults:
//
//	engine: {
//		localUserId:    "alice"
//		mode:           "formula+value"
//		maxOpRecordAge: "24h"
//	}
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cellsync/internal/monitor"
)

//go:embed schema.cue
var schemaCUE string

// Engine is the validated engine configuration.
type Engine struct {
	LocalUserID         string
	Mode                monitor.Mode
	MaxOpRecordsPerUser int
	MaxOpRecordAge      time.Duration
	LocalOrigins        []string
	IgnoredOrigins      []string
	// Journal is the SQLite conflict journal path; empty disables it.
	Journal  string
	LogLevel string
}

// raw mirrors the CUE struct before durations are parsed.
type raw struct {
	LocalUserID         string   `json:"localUserId"`
	Mode                string   `json:"mode"`
	MaxOpRecordsPerUser int      `json:"maxOpRecordsPerUser"`
	MaxOpRecordAge      string   `json:"maxOpRecordAge"`
	LocalOrigins        []string `json:"localOrigins"`
	IgnoredOrigins      []string `json:"ignoredOrigins"`
	Journal             string   `json:"journal"`
	LogLevel            string   `json:"logLevel"`
}

// Error is a configuration error with source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and decodes a CUE config file.
func Load(path string) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read config: %w", err)
	}
	return Decode(path, data)
}

// Decode validates CUE source against the engine schema and returns the
// effective configuration. filename is used in error positions only.
func Decode(filename string, src []byte) (Engine, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Engine{}, fmt.Errorf("compile schema: %w", err)
	}

	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return Engine{}, formatCUEError(err, file)
	}
	if !file.LookupPath(cue.ParsePath("engine")).Exists() {
		return Engine{}, &Error{Field: "engine", Message: "engine is required", Pos: file.Pos()}
	}

	v := schema.Unify(file)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Engine{}, formatCUEError(err, v)
	}

	var r raw
	if err := v.LookupPath(cue.ParsePath("engine")).Decode(&r); err != nil {
		return Engine{}, formatCUEError(err, v)
	}

	age, err := parseAge(r.MaxOpRecordAge)
	if err != nil {
		pos := v.LookupPath(cue.ParsePath("engine.maxOpRecordAge")).Pos()
		return Engine{}, &Error{Field: "maxOpRecordAge", Message: err.Error(), Pos: pos}
	}
	return Engine{
		LocalUserID:         r.LocalUserID,
		Mode:                monitor.Mode(r.Mode),
		MaxOpRecordsPerUser: r.MaxOpRecordsPerUser,
		MaxOpRecordAge:      age,
		LocalOrigins:        r.LocalOrigins,
		IgnoredOrigins:      r.IgnoredOrigins,
		Journal:             r.Journal,
		LogLevel:            r.LogLevel,
	}, nil
}

func parseAge(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", s)
	}
	return d, nil
}

// Options converts the configuration into monitor options. Origins are
// strings, matching how the harness and CLI tag transactions.
func (e Engine) Options() []monitor.Option {
	opts := []monitor.Option{
		monitor.WithMode(e.Mode),
		monitor.WithMaxOpRecordAge(e.MaxOpRecordAge),
		func(c *monitor.Config) {
			c.LocalUserID = e.LocalUserID
			c.MaxOpRecordsPerUser = e.MaxOpRecordsPerUser
			for _, o := range e.LocalOrigins {
				c.LocalOrigins = append(c.LocalOrigins, o)
			}
			for _, o := range e.IgnoredOrigins {
				c.IgnoredOrigins = append(c.IgnoredOrigins, o)
			}
		},
	}
	return opts
}

// Level returns the configured slog level.
func (e Engine) Level() slog.Level {
	switch e.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// formatCUEError converts a CUE error into an *Error. The first error that
// carries a position wins; otherwise the position of the offending path in v
// is used.
func formatCUEError(err error, v cue.Value) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: "cue", Message: err.Error(), Pos: v.Pos()}
	}

	for _, e := range errs {
		if positions := errors.Positions(e); len(positions) > 0 {
			return &Error{Field: errorField(e), Message: e.Error(), Pos: positions[0]}
		}
	}

	first := errs[0]
	pos := v.Pos()
	if path := first.Path(); len(path) > 0 {
		if p := v.LookupPath(cue.ParsePath(strings.Join(path, "."))).Pos(); p.IsValid() {
			pos = p
		}
	}
	return &Error{Field: errorField(first), Message: first.Error(), Pos: pos}
}

func errorField(e errors.Error) string {
	if path := e.Path(); len(path) > 0 {
		return path[len(path)-1]
	}
	return "cue"
}
