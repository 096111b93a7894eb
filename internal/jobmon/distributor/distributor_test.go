package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

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

func TestGuardPlugin_PassesThroughResultWhenClosed(t *testing.T) {
	d := New(nil, nil, 1, Config{})
	called := false
	err := d.guardPlugin(func() error { called = true; return nil })
	assert.NoError(t, err)
	assert.True(t, called)
}
