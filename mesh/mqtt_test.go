package mesh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestInitMQTT_Disabled(t *testing.T) {
	handler := func(RebuildRequest) {}

	client, err := InitMQTT(context.Background(), DefaultConfig(), handler)
	assert.NoError(t, err)
	assert.Nil(t, client)

	client, err = InitMQTT(context.Background(), nil, handler)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_NoPrefix(t *testing.T) {
	config := DefaultConfig()
	config.MQTT.Broker = "tcp://localhost:1883"
	config.MQTT.PublishPrefix = ""

	_, err := InitMQTT(context.Background(), config, nil)
	assert.Error(t, err)
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected(), "Client should be connected after setConnected(true)")

	client.setConnected(false)
	assert.False(t, client.IsConnected(), "Client should not be connected after setConnected(false)")
}

func TestParseRebuildRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *float64
		wantErr bool
	}{
		{name: "empty", payload: "", want: nil},
		{name: "whitespace", payload: "  \n", want: nil},
		{name: "empty object", payload: "{}", want: nil},
		{name: "json threshold", payload: `{"threshold": 0.5}`, want: floatPtr(0.5)},
		{name: "bare number", payload: " 2 ", want: floatPtr(2)},
		{name: "zero", payload: "0", want: floatPtr(0)},
		{name: "negative", payload: "-1", wantErr: true},
		{name: "negative json", payload: `{"threshold": -0.1}`, wantErr: true},
		{name: "garbage", payload: "rebuild please", wantErr: true},
		{name: "broken json", payload: `{"threshold":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRebuildRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Threshold)
		})
	}
}

func TestMQTTClient_RebuildSubscription(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var calls atomic.Int32
	var got RebuildRequest
	client := newMQTTClientWithMock(mock, MQTTConfig{PublishPrefix: "test"}, func(req RebuildRequest) {
		calls.Add(1)
		got = req
	})
	assert.Equal(t, "test/rebuild", client.RebuildTopic())

	client.onConnect(mock)
	assert.True(t, client.IsConnected())

	mock.SimulateMessage("test/rebuild", []byte(`{"threshold": 0.75}`))
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, got.Threshold)
	assert.Equal(t, 0.75, *got.Threshold)

	// Invalid payloads are dropped without calling the handler.
	mock.SimulateMessage("test/rebuild", []byte("nope"))
	assert.Equal(t, int32(1), calls.Load())

	// Other topics are not subscribed.
	mock.SimulateMessage("test/other", nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMQTTClient_SetRebuildHandler(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	client := newMQTTClientWithMock(mock, MQTTConfig{PublishPrefix: "p"}, nil)
	client.onConnect(mock)

	// No handler yet: the message is dropped.
	mock.SimulateMessage("p/rebuild", nil)

	called := false
	client.SetRebuildHandler(func(RebuildRequest) { called = true })
	mock.SimulateMessage("p/rebuild", nil)
	assert.True(t, called)
}

func TestMQTTClient_ConnectWithRetry(t *testing.T) {
	mock := NewMockClient()
	called := false
	client := newMQTTClientWithMock(mock, MQTTConfig{PublishPrefix: "p"}, func(RebuildRequest) { called = true })
	mock.SetOnConnect(client.onConnect)

	client.connectWithRetry(context.Background())
	assert.True(t, client.IsConnected())
	assert.True(t, mock.IsConnected())

	// Connecting subscribes to the rebuild topic.
	mock.SimulateMessage("p/rebuild", nil)
	assert.True(t, called)

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_ConnectWithRetryCancelled(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	client := newMQTTClientWithMock(mock, MQTTConfig{PublishPrefix: "p"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.connectWithRetry(ctx)
	assert.False(t, client.IsConnected())
}
