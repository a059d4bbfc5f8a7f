package voyworker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 1 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}

func TestMQTTMessageBecomesBackgroundMessage(t *testing.T) {
	var got []BackgroundMessage
	src := newMQTTSource("tcp://127.0.0.1:1883", "voyworker-test", "voy/bg", 1, zap.NewNop(),
		func(ctx context.Context, msg BackgroundMessage) { got = append(got, msg) })

	src.onMessage(nil, fakeMQTTMessage{topic: "voy/bg", payload: []byte(`{"notification":{"title":"Tu conductor llegó"},"data":{"type":"driver_arrived"}}`)})
	src.onMessage(nil, fakeMQTTMessage{topic: "voy/bg", payload: []byte(`{broken`)})

	require.Len(t, got, 2)
	require.NotNil(t, got[0].Notification)
	assert.Equal(t, "Tu conductor llegó", got[0].Notification.Title)
	assert.Equal(t, "driver_arrived", got[0].Data["type"])
	assert.Nil(t, got[1].Notification)
	assert.Empty(t, got[1].Data)
}
