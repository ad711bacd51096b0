package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{StatusEvent{Message: "Starting pipeline..."}, `{"type":"status","message":"Starting pipeline..."}`},
		{AssetGeneratedEvent{Filename: "output/a.png", URL: "/assets/a.png", SequenceCount: 3},
			`{"type":"asset_generated","filename":"output/a.png","url":"/assets/a.png","count":3}`},
		{LogEvent{Message: "hello"}, `{"type":"log","message":"hello"}`},
		{CompleteEvent{TotalAssets: 0}, `{"type":"complete","totalAssets":0}`},
		{ErrorEvent{Message: "pipeline exited with code 1"}, `{"type":"error","message":"pipeline exited with code 1"}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Type()), func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestTerminalEvents(t *testing.T) {
	assert.True(t, CompleteEvent{}.Terminal())
	assert.True(t, ErrorEvent{}.Terminal())
	assert.False(t, StatusEvent{}.Terminal())
	assert.False(t, AssetGeneratedEvent{}.Terminal())
	assert.False(t, LogEvent{}.Terminal())

	assert.True(t, RunStateFailed.Terminal())
	assert.False(t, RunStateRunning.Terminal())
}
