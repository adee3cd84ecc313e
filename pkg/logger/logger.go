// Package logger configura zerolog para el proceso. Los componentes reciben
// un zerolog.Logger por valor, nunca el global.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config opciones para el logger.
type Config struct {
	Env     string // development -> consola legible; cualquier otro -> JSON
	Level   string // trace, debug, info, warn, error
	Service string // se agrega como campo service si no está vacío
}

// Logger envoltorio del logger raíz del proceso.
type Logger struct {
	zl    zerolog.Logger
	level zerolog.Level
}

// New crea el logger raíz escribiendo en stdout.
func New(cfg Config) *Logger {
	var w io.Writer = os.Stdout
	if cfg.Env == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	return newWithWriter(cfg, w)
}

func newWithWriter(cfg Config, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	zl := ctx.Logger()

	// librerías que usen zerolog/log escriben por el mismo destino
	log.Logger = zl

	return &Logger{zl: zl, level: level}
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Level nivel efectivo.
func (l *Logger) Level() zerolog.Level { return l.level }

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Zerolog logger raíz, para los constructores que agregan su propio component.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// For sublogger con el campo component fijo.
func (l *Logger) For(component string) zerolog.Logger {
	return l.zl.With().Str("component", component).Logger()
}
