package model_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiai/internal/model"
)

// ---- StartStreamRequest.Validate ------------------------------------------

func TestValidateStartStream_HappyPath(t *testing.T) {
	r := model.StartStreamRequest{
		RTMPURL:      "rtmp://example.test/live/key",
		SystemPrompt: "you are a fitness coach",
		UserPrompt:   "count push-ups",
	}
	assert.NoError(t, r.Validate())
}

func TestValidateStartStream_EmptyPromptsAllowed(t *testing.T) {
	assert.NoError(t, model.StartStreamRequest{RTMPURL: "rtmp://x"}.Validate())
}

func TestValidateStartStream_Fields(t *testing.T) {
	long := func(n int) string { return strings.Repeat("a", n) }
	cases := []struct {
		name  string
		req   model.StartStreamRequest
		field string
	}{
		{"missing rtmp", model.StartStreamRequest{}, "rtmp_url"},
		{"blank rtmp", model.StartStreamRequest{RTMPURL: "   "}, "rtmp_url"},
		{"rtmp over max", model.StartStreamRequest{RTMPURL: long(model.MaxRTMPURLLen + 1)}, "rtmp_url"},
		{"system prompt over max", model.StartStreamRequest{RTMPURL: "rtmp://x", SystemPrompt: long(model.MaxPromptLen + 1)}, "system_prompt"},
		{"user prompt over max", model.StartStreamRequest{RTMPURL: "rtmp://x", UserPrompt: long(model.MaxPromptLen + 1)}, "user_prompt"},
		{"user id over max", model.StartStreamRequest{RTMPURL: "rtmp://x", UserID: long(model.MaxUserIDLen + 1)}, "user_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			require.Error(t, err)
			assert.True(t, model.IsValidation(err))
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateStartStream_AtExactMax(t *testing.T) {
	r := model.StartStreamRequest{
		RTMPURL:    strings.Repeat("r", model.MaxRTMPURLLen),
		UserPrompt: strings.Repeat("p", model.MaxPromptLen),
	}
	assert.NoError(t, r.Validate())
}

// ---- NormalizeTimestamp ---------------------------------------------------

func TestNormalizeTimestamp(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"2026-01-01T10:00:00Z"`, "2026-01-01T10:00:00Z"},
		{`"00:01:23"`, "00:01:23"},
		{`1735725600`, "1735725600"},
		{`12.5`, "12.5"},
		{`null`, ""},
		{``, ""},
		{`{"a":1}`, ""},
		{`true`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, model.NormalizeTimestamp(json.RawMessage(tc.raw)), "raw=%q", tc.raw)
	}
}

func TestCallbackPayloadDistinguishesAbsentFields(t *testing.T) {
	var p model.CallbackPayload
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"t1","status":0}`), &p))
	require.NotNil(t, p.TaskID)
	require.NotNil(t, p.Status)
	assert.Equal(t, 0, *p.Status)
	assert.Nil(t, p.Data)

	p = model.CallbackPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"text":"did 3 squats","timestamp":42}}`), &p))
	assert.Nil(t, p.TaskID)
	assert.Nil(t, p.Status)
	assert.Equal(t, "did 3 squats", p.Data.Text)
	assert.Equal(t, "42", model.NormalizeTimestamp(p.Data.Timestamp))
}

// ---- statuses and errors --------------------------------------------------

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, model.TaskStatusActive.Terminal())
	assert.True(t, model.TaskStatusStopped.Terminal())
	assert.True(t, model.TaskStatusError.Terminal())
	assert.True(t, model.TaskStatusActive.Valid())
	assert.False(t, model.TaskStatus("paused").Valid())
}

func TestStopReasonValid(t *testing.T) {
	for _, r := range []model.StopReason{model.StopReasonManual, model.StopReasonRTMPStopped, model.StopReasonAPIError, model.StopReasonUnknown} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, model.StopReason("").Valid())
}

func TestErrorHelpersUnwrap(t *testing.T) {
	up := fmt.Errorf("session: start: %w", &model.UpstreamError{Status: 502, Detail: "bad gateway"})
	assert.True(t, model.IsUpstream(up))
	assert.False(t, model.IsValidation(up))
	assert.Equal(t, "session: start: upstream error: status 502 (bad gateway)", up.Error())

	ve := fmt.Errorf("wrap: %w", &model.ValidationError{Field: "rtmp_url", Message: "is required"})
	assert.True(t, model.IsValidation(ve))
	assert.Equal(t, "wrap: invalid rtmp_url: is required", ve.Error())
}
