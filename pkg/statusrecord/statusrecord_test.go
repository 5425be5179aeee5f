package statusrecord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	rec := StatusRecord{Release: "r1", Status: StatusRunning, EventTS: time.Now()}
	assert.NoError(t, rec.Validate())

	rec.Release = ""
	assert.Error(t, rec.Validate())

	rec.Release = "r1"
	rec.Status = ""
	assert.Error(t, rec.Validate())

	rec.Status = StatusRunning
	rec.EventTS = time.Time{}
	assert.Error(t, rec.Validate())
}

func TestToPayload(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	rec := StatusRecord{
		Release:      "r1",
		Status:       StatusRunning,
		EventTS:      ts,
		PodMsg:       "",
		ContainerMsg: "boom",
	}

	payload := rec.ToPayload()
	require.Equal(t, "r1", payload.Release)
	assert.Equal(t, "Running", payload.NewStatus)
	assert.Equal(t, "2026-01-02T03:04:05.678Z", payload.EventTS)
	assert.Nil(t, payload.EventMsg.PodMsg)
	require.NotNil(t, payload.EventMsg.ContainerMsg)
	assert.Equal(t, "boom", *payload.EventMsg.ContainerMsg)
}
