package cache

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type dbSnapshot struct {
	Version   int64          `msgpack:"version"`
	Data      map[string]any `msgpack:"data"`
	Timestamp string         `msgpack:"timestamp"`
	StoredAt  int64          `msgpack:"storedAt"`
}

func (s *dbSnapshot) MarshalBinary() (data []byte, err error) {
	type alias dbSnapshot
	return msgpack.Marshal((*alias)(s))
}

func (s *dbSnapshot) UnmarshalBinary(data []byte) error {
	type alias dbSnapshot
	return msgpack.Unmarshal(data, (*alias)(s))
}

type dbMessage struct {
	Seq       int64  `msgpack:"seq"`
	Timestamp int64  `msgpack:"timestamp"`
	MessageID string `msgpack:"messageId"`
	SenderID  string `msgpack:"senderId"`
	Content   string `msgpack:"content"`
}

// Key orders records chronologically under a bbolt cursor. The ring Seq
// restarts every process launch, so it cannot key a persistent store;
// timestamp plus message id survives relaunches and keeps replayed
// messages idempotent.
func (m *dbMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.MessageID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.MessageID...)
}

func (m *dbMessage) MarshalBinary() (data []byte, err error) {
	type alias dbMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *dbMessage) UnmarshalBinary(data []byte) error {
	type alias dbMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
