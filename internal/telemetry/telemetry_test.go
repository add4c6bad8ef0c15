package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

var received = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func TestDecode(t *testing.T) {
	s, err := Decode([]byte(`{"tenant_id":"a","current_kw":42.5,"timestamp":"2026-01-05T11:59:00Z"}`), received)
	require.NoError(t, err)
	assert.Equal(t, "a", s.TenantID)
	assert.InDelta(t, 42.5, s.CurrentKW, 1e-9)
	assert.True(t, s.Timestamp.Equal(received.Add(-time.Minute)))

	s, err = Decode([]byte(`{"tenant_id":"a","current_kw":0}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, s.Timestamp)

	for _, bad := range []string{
		`not json`,
		`{"tenant_id":"a"}`,
		`{"current_kw":3}`,
		`{"tenant_id":"a","current_kw":-1}`,
	} {
		_, err := Decode([]byte(bad), received)
		assert.ErrorIs(t, err, domain.ErrValidation, bad)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := domain.TelemetrySample{TenantID: "b", CurrentKW: 12, Timestamp: received}
	payload, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(payload, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, in.TenantID, out.TenantID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockClient struct {
	published [][]byte
	topics    []string
	subErr    error
}

func (m *mockClient) Connect() paho.Token { return dummyToken{} }
func (m *mockClient) Disconnect(uint)     {}
func (m *mockClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	m.topics = append(m.topics, topic)
	m.published = append(m.published, payload.([]byte))
	return dummyToken{}
}
func (m *mockClient) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return dummyToken{err: m.subErr}
}

func withMock(t *testing.T, m *mockClient) {
	t.Helper()
	prev := newMQTTClient
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return m }
	t.Cleanup(func() { newMQTTClient = prev })
}

func TestClient_Publish(t *testing.T) {
	m := &mockClient{}
	withMock(t, m)
	c, err := Connect(Config{Broker: "tcp://localhost:1883", ClientID: "sim"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Publish(domain.TelemetrySample{TenantID: "a", CurrentKW: 5, Timestamp: received}))
	require.Len(t, m.published, 1)
	assert.Equal(t, DefaultTopic, m.topics[0])
	assert.JSONEq(t, `{"tenant_id":"a","current_kw":5,"timestamp":"2026-01-05T12:00:00Z"}`, string(m.published[0]))
}

func TestClient_SubscribeError(t *testing.T) {
	m := &mockClient{subErr: errors.New("not authorized")}
	withMock(t, m)
	c, err := Connect(Config{Topic: "custom/topic"})
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), func(context.Context, domain.TelemetrySample) error { return nil })
	assert.ErrorContains(t, err, "custom/topic")
}

func TestClient_Dispatch(t *testing.T) {
	c := &Client{log: zerolog.Nop(), now: func() time.Time { return received }}
	var got []domain.TelemetrySample
	h := func(_ context.Context, s domain.TelemetrySample) error {
		got = append(got, s)
		return errors.New("engine down")
	}

	c.dispatch(context.Background(), DefaultTopic, []byte(`{"tenant_id":"a","current_kw":1}`), h)
	c.dispatch(context.Background(), DefaultTopic, []byte(`{"tenant_id":""}`), h)
	require.Len(t, got, 1)
	assert.Equal(t, received, got[0].Timestamp)
}
