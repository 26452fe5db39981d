package tools

import (
	"io"

	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// LoggerCloner hands out per component loggers sharing the output, formatter and level of l.
// A nil l gives loggers that discard everything.
func LoggerCloner(l *logrus.Logger) *Logger {
	if l == nil {
		l = DiscardLogger()
	}
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

// New returns a copy of the default logger that tags every entry with who=name.
func (l *Logger) New(name string) *logrus.Logger {
	if l == nil {
		l = LoggerCloner(nil)
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        mapz.Clone(l.def.Hooks),
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll
}

func DiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
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
