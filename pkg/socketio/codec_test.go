package socketio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	frame, err := encodeEvent("/", "adminJoinChat", map[string]string{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, `42["adminJoinChat",{"userId":"u1"}]`, string(frame))

	frame, err = encodeEvent("/admin", "getUserStatus", nil)
	require.NoError(t, err)
	assert.Equal(t, `42/admin,["getUserStatus"]`, string(frame))
}

func TestEncodeConnect(t *testing.T) {
	frame, err := encodeConnect("/", authPayload{Token: "Bearer t", AdminID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, `40{"token":"Bearer t","adminId":"a1"}`, string(frame))

	assert.Equal(t, "41/admin,", string(encodeDisconnect("/admin")))
	assert.Equal(t, "41", string(encodeDisconnect("/")))
}

func TestDecodePacket_NamespaceAndAck(t *testing.T) {
	p, err := decodePacket([]byte(`2/admin,17["messageSent",{"_id":"m1"}]`))
	require.NoError(t, err)
	assert.Equal(t, packetEvent, p.Type)
	assert.Equal(t, "/admin", p.Namespace)
	assert.True(t, p.HasAck)
	assert.Equal(t, 17, p.AckID)

	name, payload, err := decodeEventArgs(p.Data)
	require.NoError(t, err)
	assert.Equal(t, "messageSent", name)
	assert.JSONEq(t, `{"_id":"m1"}`, string(payload))
}

func TestDecodePacket_DefaultNamespace(t *testing.T) {
	p, err := decodePacket([]byte(`0{"sid":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, packetConnect, p.Type)
	assert.Equal(t, "/", p.Namespace)
	assert.False(t, p.HasAck)

	var cd connectData
	require.NoError(t, json.Unmarshal(p.Data, &cd))
	assert.Equal(t, "abc", cd.SID)
}

func TestDecodePacket_Rejects(t *testing.T) {
	_, err := decodePacket([]byte(`51-["upload",{"_placeholder":true,"num":0}]`))
	assert.Error(t, err, "binary packets are unsupported")

	_, err = decodePacket([]byte(`2["broken"`))
	assert.Error(t, err)

	_, err = decodePacket([]byte(`9`))
	assert.Error(t, err)

	_, err = decodePacket(nil)
	assert.Error(t, err)
}

func TestDecodeEventArgs(t *testing.T) {
	name, payload, err := decodeEventArgs(json.RawMessage(`["onlineUsers"]`))
	require.NoError(t, err)
	assert.Equal(t, "onlineUsers", name)
	assert.Nil(t, payload)

	_, _, err = decodeEventArgs(json.RawMessage(`[]`))
	assert.Error(t, err)

	_, _, err = decodeEventArgs(json.RawMessage(`[42, {}]`))
	assert.Error(t, err)

	_, _, err = decodeEventArgs(json.RawMessage(`{"name":"x"}`))
	assert.Error(t, err)
}

func TestDecodeEngineAndHandshake(t *testing.T) {
	typ, data, err := decodeEngine([]byte(`0{"sid":"e1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	require.NoError(t, err)
	assert.Equal(t, engineOpen, typ)

	hs, err := decodeHandshake(data)
	require.NoError(t, err)
	assert.Equal(t, "e1", hs.SID)
	assert.Equal(t, 25000, hs.PingInterval)
	assert.Equal(t, 20000, hs.PingTimeout)

	_, err = decodeHandshake([]byte(`{"pingInterval":1}`))
	assert.Error(t, err)

	_, _, err = decodeEngine([]byte("x"))
	assert.Error(t, err)
	_, _, err = decodeEngine(nil)
	assert.Error(t, err)
}
