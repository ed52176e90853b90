package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.AddResponse("hello", `{"ok":true}`)

	resp, err := Complete(context.Background(), m, Prompt("be brief", "hello"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].Instructions)
}

func TestMockModel_Fallbacks(t *testing.T) {
	m := NewMockModel("mock", "mock")
	resp, err := Complete(context.Background(), m, Prompt("", "ping"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: ping", resp.Text)

	m.SetDefaultResponse("pong")
	resp, err = Complete(context.Background(), m, Prompt("", "ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
}

func TestMockModel_Streaming(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.AddResponse("go", "abc")
	req := Prompt("", "go")
	req.Stream = true

	respCh, errCh := m.Generate(context.Background(), req)
	var partials []string
	var final Response
	for r := range respCh {
		if r.Partial {
			partials = append(partials, r.Text)
			continue
		}
		final = r
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a", "b", "c"}, partials)
	assert.Equal(t, "abc", final.Text)
}

func TestComplete_Errors(t *testing.T) {
	m := NewMockModel("mock", "mock")
	boom := errors.New("rate limited")
	m.SetError(boom)
	_, err := Complete(context.Background(), m, Prompt("", "x"))
	assert.ErrorIs(t, err, boom)

	m.SetError(nil)
	_, err = Complete(context.Background(), m, Request{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Complete(ctx, m, Prompt("", "x"))
	assert.Error(t, err)
}

func TestLastUserText(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleUser, Text: "first"},
		{Role: RoleAssistant, Text: "reply"},
		{Role: RoleUser, Text: "second"},
	}}
	assert.Equal(t, "second", req.LastUserText())
	assert.Empty(t, Request{}.LastUserText())
}
