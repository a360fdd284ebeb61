package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxFrameSize bounds a single frame. Input data grows with fan-in width, so
// the limit is generous.
const maxFrameSize = 10 * 1024 * 1024

// Encoder writes protocol frames to a stream. Safe for concurrent use: DONE
// frames for concurrent checks interleave on one connection.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates an encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode marshals data into an envelope frame and flushes it.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var dataBytes []byte
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s data: %w", msgType, err)
		}
	}

	frame, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", msgType, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msgType, err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write frame delimiter: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol frames from a stream. Not safe for concurrent use;
// each connection has a single reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{r: scanner}
}

// Decode reads the next frame. Returns io.EOF on clean stream end.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("stream read failed: %w", err)
			}
			return nil, io.EOF
		}
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	}
}

// DecodeInto parses a frame's payload into target.
func DecodeInto(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse frame payload: %w", err)
	}
	return nil
}
