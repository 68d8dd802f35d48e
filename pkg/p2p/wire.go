package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uhyunpark/p2pex/pkg/app/core/events"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is one bus event on a gossip topic.
type EventWire struct {
	Topic   string
	Symbol  string
	At      int64  // unix nanos
	Payload []byte // JSON-encoded events.Event
}

func encodeEvent(e events.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return gobEncode(EventWire{
		Topic:   string(e.Topic),
		Symbol:  e.Symbol,
		At:      e.At.UnixNano(),
		Payload: payload,
	})
}

func decodeEvent(b []byte) (events.Event, error) {
	var w EventWire
	if err := gobDecode(b, &w); err != nil {
		return events.Event{}, err
	}
	var e events.Event
	if err := json.Unmarshal(w.Payload, &e); err != nil {
		return events.Event{}, err
	}
	if string(e.Topic) != w.Topic || e.Symbol != w.Symbol {
		return events.Event{}, fmt.Errorf("envelope %s/%s does not match payload %s/%s", w.Topic, w.Symbol, e.Topic, e.Symbol)
	}
	if e.At.IsZero() {
		e.At = time.Unix(0, w.At).UTC()
	}
	return e, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
