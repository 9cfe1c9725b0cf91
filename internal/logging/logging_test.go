package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupLevel(t *testing.T) {
	var buf bytes.Buffer
	Setup(true, &buf)
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	Setup(false, &buf)
	require.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestSetupWritesToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	Setup(false, &buf)
	logrus.Info("hello")
	require.Contains(t, buf.String(), "hello")
}
