package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/options"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

func TestParseStreamsAll(t *testing.T) {
	require.Equal(t, output.AllStreams, parseStreams("all"))
}

func TestParseStreamsNone(t *testing.T) {
	require.Equal(t, output.Streams{}, parseStreams("none"))
}

func TestParseStreamsSubset(t *testing.T) {
	require.Equal(t, output.Streams{Stdout: true, Stderr: true}, parseStreams("stdout,stderr"))
	require.Equal(t, output.Streams{Alloc: true, Eval: true}, parseStreams("alloc eval"))
}

func TestMinimalJobShape(t *testing.T) {
	raw, err := minimalJob("my-job", []string{"dc1"}, "redis:7", []string{"redis-server", "--port", "6380"})
	require.NoError(t, err)

	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &job))
	require.Equal(t, "my-job", job["ID"])
	require.Equal(t, "batch", job["Type"])

	groups := job["TaskGroups"].([]interface{})
	require.Len(t, groups, 1)
	tasks := groups[0].(map[string]interface{})["Tasks"].([]interface{})
	require.Len(t, tasks, 1)
	taskCfg := tasks[0].(map[string]interface{})["Config"].(map[string]interface{})
	require.Equal(t, "redis:7", taskCfg["image"])
	require.Equal(t, "redis-server", taskCfg["command"])
	require.Equal(t, []interface{}{"--port", "6380"}, taskCfg["args"])
}

func TestMinimalJobWithoutCommandOmitsCommandAndArgs(t *testing.T) {
	raw, err := minimalJob("my-job", []string{"dc1"}, "redis:7", nil)
	require.NoError(t, err)

	var job map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &job))
	groups := job["TaskGroups"].([]interface{})
	taskCfg := groups[0].(map[string]interface{})["Tasks"].([]interface{})[0].(map[string]interface{})["Config"].(map[string]interface{})
	_, hasCommand := taskCfg["command"]
	require.False(t, hasCommand)
}

func TestEffectivePurgeWithoutPurgeSuccessfulUsesBarePurgeFlag(t *testing.T) {
	classifyCalled := false
	classify := func(context.Context) (bool, error) {
		classifyCalled = true
		return false, nil
	}
	require.True(t, effectivePurge(context.Background(), options.Options{Purge: true}, classify))
	require.False(t, classifyCalled)
}

func TestEffectivePurgeWithPurgeSuccessfulDefersToClassifier(t *testing.T) {
	require.True(t, effectivePurge(context.Background(), options.Options{PurgeSuccessful: true}, func(context.Context) (bool, error) {
		return true, nil
	}))
	require.False(t, effectivePurge(context.Background(), options.Options{Purge: true, PurgeSuccessful: true}, func(context.Context) (bool, error) {
		return false, nil
	}))
}

func TestEffectivePurgeDoesNotPurgeOnClassifierError(t *testing.T) {
	require.False(t, effectivePurge(context.Background(), options.Options{PurgeSuccessful: true}, func(context.Context) (bool, error) {
		return true, errors.New("summary unavailable")
	}))
}
