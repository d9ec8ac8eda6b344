// Package publisher fans normalized ticks out to downstream TCP
// subscribers on a topic-keyed, best-effort bus, and keeps the
// sliding-window performance metrics the operator API reports.
package publisher

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantmesh/tickhub/internal/domain"
)

// TickPayload is the wire payload. Datetimes travel as ISO-8601 strings;
// processing_time is stamped at publish.
type TickPayload struct {
	Symbol         string  `msgpack:"symbol"`
	Datetime       string  `msgpack:"datetime"`
	LastPrice      float64 `msgpack:"last_price"`
	Volume         int64   `msgpack:"volume"`
	LastVolume     int64   `msgpack:"last_volume,omitempty"`
	BidPrice1      float64 `msgpack:"bid_price_1,omitempty"`
	AskPrice1      float64 `msgpack:"ask_price_1,omitempty"`
	BidVolume1     int64   `msgpack:"bid_volume_1,omitempty"`
	AskVolume1     int64   `msgpack:"ask_volume_1,omitempty"`
	VtSymbol       string  `msgpack:"vt_symbol,omitempty"`
	ProcessingTime string  `msgpack:"processing_time"`
}

// NewTickPayload builds the wire payload for a tick, stamping
// processing_time.
func NewTickPayload(tick *domain.Tick, now time.Time) TickPayload {
	return TickPayload{
		Symbol:         tick.Symbol,
		Datetime:       tick.Datetime.Format(time.RFC3339Nano),
		LastPrice:      tick.LastPrice,
		Volume:         tick.Volume,
		LastVolume:     tick.LastVolume,
		BidPrice1:      tick.BidPrice1,
		AskPrice1:      tick.AskPrice1,
		BidVolume1:     tick.BidVolume1,
		AskVolume1:     tick.AskVolume1,
		VtSymbol:       tick.VtSymbol,
		ProcessingTime: now.Format(time.RFC3339Nano),
	}
}

// EncodeFrames serializes a two-frame message: [topic][msgpack payload],
// each frame prefixed with a big-endian uint32 length.
func EncodeFrames(topic string, payload TickPayload) ([]byte, error) {
	body, err := msgpack.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("payload encode failed: %w", err)
	}

	topicBytes := []byte(topic)
	out := make([]byte, 0, 8+len(topicBytes)+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(topicBytes)))
	out = append(out, topicBytes...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out, nil
}

// maxFrameSize bounds a single frame read; ticks are tiny.
const maxFrameSize = 1 << 20

// ReadMessage reads one two-frame message from a subscriber connection.
// Subscriber-side helper, used by tests and downstream clients.
func ReadMessage(r io.Reader) (string, TickPayload, error) {
	topic, err := readFrame(r)
	if err != nil {
		return "", TickPayload{}, err
	}
	body, err := readFrame(r)
	if err != nil {
		return "", TickPayload{}, err
	}

	var payload TickPayload
	if err := msgpack.Unmarshal(body, &payload); err != nil {
		return "", TickPayload{}, fmt.Errorf("payload decode failed: %w", err)
	}
	return string(topic), payload, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
