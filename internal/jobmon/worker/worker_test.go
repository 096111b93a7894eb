package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

func TestTruncateTail_KeepsMostRecentBytes(t *testing.T) {
	body := strings.Repeat("a", 5000) + strings.Repeat("b", 12000)
	out := truncateTail([]byte(body), maxStderrBytes)
	assert.Len(t, out, maxStderrBytes)
	assert.True(t, strings.HasSuffix(body, string(out)))
	assert.NotContains(t, string(out), "a")
}

func TestTruncateTail_ShorterThanBoundIsUnchanged(t *testing.T) {
	body := []byte("short stderr")
	out := truncateTail(body, maxStderrBytes)
	assert.Equal(t, body, out)
}

func TestMapExitKind(t *testing.T) {
	cases := []struct {
		kind plugin.ExitKind
		want model.TaskInstanceStatus
	}{
		{plugin.ExitDone, model.TIDone},
		{plugin.ExitResourceError, model.TIResourceError},
		{plugin.ExitUnknownError, model.TIUnknownError},
		{plugin.ExitError, model.TIError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mapExitKind(c.kind))
	}
}
