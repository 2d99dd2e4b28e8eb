package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, err = New(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestModuleField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	Module(logger, "matching").Info("hello")
	assert.Contains(t, buf.String(), `"module":"matching"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
