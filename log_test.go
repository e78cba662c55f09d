package hcicore

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLogSettings(t *testing.T) {
	lg, ok := GetLogger().(*defaultLogger)
	require.True(t, ok)
	l := lg.Entry.Logger
	defer func() {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(textFormatter())
	}()

	require.Error(t, SetLogLevel("chatty"))
	require.NoError(t, SetLogLevel("debug"))
	require.Equal(t, logrus.DebugLevel, l.Level)
	SetLogLevelMax()
	require.Equal(t, logrus.TraceLevel, l.Level)

	SetLogJSON(true)
	require.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	SetLogJSON(false)
	require.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	child := GetLogger().ChildLogger(map[string]interface{}{"hci": "hci0"})
	require.Equal(t, "hci0", child.(*defaultLogger).Data["hci"])
}
