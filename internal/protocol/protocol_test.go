package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKnownCommand(t *testing.T) {
	raw := []byte(`{"cmd":"stream_start","msgid":42,"cam_id":"cam-1","stream_id":"s1","reason":"live"}`)
	cmd, err := Parse(raw)
	require.NoError(t, err)
	ss, ok := cmd.(StreamStartCmd)
	require.True(t, ok)
	assert.Equal(t, "s1", ss.StreamID)
	assert.Equal(t, StreamLive, ss.Reason)
	assert.EqualValues(t, 42, ss.Header().MsgID)
}

func TestParseUnknownCommandDoesNotError(t *testing.T) {
	raw := []byte(`{"cmd":"totally_unknown_cmd","msgid":1}`)
	cmd, err := Parse(raw)
	require.NoError(t, err)
	_, ok := cmd.(UnknownCommand)
	assert.True(t, ok)
}

func TestParseMissingCmdErrors(t *testing.T) {
	_, err := Parse([]byte(`{"msgid":1}`))
	assert.Error(t, err)
}

func TestReplyInheritsCamIDAndSetsRefID(t *testing.T) {
	raw := []byte(`{"cmd":"stream_start","msgid":7,"cam_id":"cam-9","stream_id":"s","reason":"live"}`)
	cmd, err := Parse(raw)
	require.NoError(t, err)

	h := Reply(cmd, 100, "done")
	assert.Equal(t, int64(7), h.RefID)
	assert.Equal(t, "cam-9", h.CamID)
	assert.Equal(t, int64(100), h.MsgID)
}

func TestDoneRoundTrip(t *testing.T) {
	raw := []byte(`{"cmd":"stream_stop","msgid":3,"stream_id":"a"}`)
	cmd, err := Parse(raw)
	require.NoError(t, err)

	done := Done(cmd, 4, StatusOK)
	data, err := Marshal(done)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "done", decoded["cmd"])
	assert.EqualValues(t, 3, decoded["refid"])
	assert.Equal(t, "OK", decoded["status"])
}

func TestRegisterMarshalRoundTrip(t *testing.T) {
	reg := RegisterCmd{baseCommand: baseCommand{Hdr: Header{Cmd: "register", MsgID: 1}}, Token: "tok"}
	data, err := Marshal(reg)
	require.NoError(t, err)

	cmd, err := Parse(data)
	require.NoError(t, err)
	parsed, ok := cmd.(RegisterCmd)
	require.True(t, ok)
	assert.Equal(t, "tok", parsed.Token)
}
