// Copyright 2025 Gliderbase Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

// InitLoggerRedirect points all loggers at the named file instead of stderr.
func InitLoggerRedirect(logFileName string) {
	if logFileName == "" || logFileName == "stderr" || logFileName == "/dev/stderr" {
		return
	}
	lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Couldn't open file %v for writing logs\n", logFileName)
		return
	}
	logWriter = lf
}

// SetLoggersConfig rebuilds every registered logger with the given config.
func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for k, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		loggers[k].Logger = nl.Logger
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Infof(msg string, args ...interface{}) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...interface{}) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...interface{}) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	*l.Logger = l.Level(level)
}

// E logs err if non-nil and reports whether it was.
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

type LogConfig struct {
	Level  string
	Format string
	Color  bool
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return l[0]
		}
		return l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module + " " + c
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error parsing log level. defaulting to info level")
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}
