package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	log, err := Configure("json", "debug")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	_, isJSON := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	_, err = Configure("text", "loud")
	assert.Error(t, err)
}

func TestComponentDefaultsToStandardLogger(t *testing.T) {
	entry, ok := Component(nil, "paper").(*logrus.Entry)
	require.True(t, ok)
	assert.Equal(t, "paper", entry.Data["component"])
}
