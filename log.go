package hcicore

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging facade used by every package of the module.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var logger Logger
var loggerMu sync.Mutex

// SetLogLevel parses a logrus level name ("debug", "info", ...) and applies
// it to the default logger.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	configureDefault(func(l *logrus.Logger) { l.SetLevel(lvl) })
	return nil
}

// SetLogLevelMax enables trace logging on the default logger.
func SetLogLevelMax() {
	configureDefault(func(l *logrus.Logger) { l.SetLevel(logrus.TraceLevel) })
}

// SetLogJSON switches the default logger between logfmt style text and one
// JSON object per line.
func SetLogJSON(on bool) {
	configureDefault(func(l *logrus.Logger) {
		if on {
			l.SetFormatter(&logrus.JSONFormatter{})
			return
		}
		l.SetFormatter(textFormatter())
	})
}

func configureDefault(fn func(*logrus.Logger)) {
	l := GetLogger()
	lg, ok := l.(*defaultLogger)
	if !ok {
		l.Warn("non-default logger, settings left unchanged")
		return
	}
	fn(lg.Entry.Logger)
}

func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: textFormatter(),
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: logrus.NewEntry(l)}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true}
}

func (d *defaultLogger) ChildLogger(ff map[string]interface{}) Logger {
	return &defaultLogger{d.Entry.WithFields(ff)}
}
