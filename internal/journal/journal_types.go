package journal

import (
	"context"
	"time"
)

const MessageCollectionName = "messages"

// MessageRecord 一条被接受的 QoS1 发布
type MessageRecord struct {
	ClientID   string    `bson:"client_id"`
	Topic      string    `bson:"topic"`
	PacketID   uint16    `bson:"packet_id"`
	Payload    []byte    `bson:"payload"`
	Fanout     int       `bson:"fanout"`
	ReceivedAt time.Time `bson:"received_at"`
}

type Store interface {
	SaveMessages(ctx context.Context, records []MessageRecord) error
	Close(ctx context.Context) error
}
