package tools

import (
	"io"
	"os"

	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// NewLogger creates the root logger every component logger is cloned from.
func NewLogger(level string, out io.Writer) *Logger {
	l := logrus.New()
	l.Out = out
	if out == nil {
		l.Out = os.Stderr
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return LoggerCloner(l)
}

func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

// New returns a copy of the root logger tagging every entry with who=name.
func (l *Logger) New(name string) *logrus.Logger {
	if l == nil {
		ll := logrus.New()
		ll.AddHook(LoggerWho{Name: name})
		return ll
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        mapz.Clone(l.def.Hooks),
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}
	if ll.Hooks == nil {
		ll.Hooks = logrus.LevelHooks{}
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll
}

// Discard is a logger for tests.
func Discard() *Logger {
	l := logrus.New()
	l.Out = io.Discard
	return LoggerCloner(l)
}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
