package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"publish","topic":"r1","ref":"7","payload":{"kind":"typing","payload":{"on":true}}}`))
	require.NoError(t, err)
	assert.Equal(t, FramePublish, f.Event)
	assert.Equal(t, "r1", f.Topic)
	assert.Equal(t, "7", f.Ref)

	var p PublishPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, "typing", p.Kind)
	assert.JSONEq(t, `{"on":true}`, string(p.Payload))
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"topic":"r1"}`))
	assert.ErrorContains(t, err, "missing event")

	f, err := DecodeFrame([]byte(`{"event":"register","payload":"oops"}`))
	require.NoError(t, err)
	var p RegisterPayload
	assert.ErrorContains(t, f.DecodePayload(&p), "invalid register payload")
}

func TestDecodePayloadEmpty(t *testing.T) {
	f := &Frame{Event: FrameJoin}
	p := JoinPayload{Group: true}
	require.NoError(t, f.DecodePayload(&p))
	assert.True(t, p.Group, "empty payload leaves value untouched")
}

func TestEncodeReply(t *testing.T) {
	data, err := EncodeErrorReply("r1", "3", "not_member", "nope")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": "reply",
		"topic": "r1",
		"ref": "3",
		"payload": {"status": "error", "response": {"code": "not_member", "message": "nope"}}
	}`, string(data))

	data, err = EncodeReply("", "4", ReplyOK, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"reply","ref":"4","payload":{"status":"ok","response":{}}}`, string(data))
}

func TestEncodeEvent(t *testing.T) {
	ev := NewEvent(RoomTarget("r1"), KindMessageCreated, map[string]string{"text": "hi"})
	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameEvent, f.Event)
	assert.Equal(t, "r1", f.Topic)

	var got Event
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Target, got.Target)

	data, err = EncodeEvent(NewEvent(UserTarget("alice"), "ping", nil))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Empty(t, f.Topic)
}
