package message

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrSegmentTooLarge is returned when a segment payload exceeds the reader's limit.
var ErrSegmentTooLarge = errors.New("message: segment too large")

// ErrSequenceOverflow is returned when a sequence number cannot be encoded as a varint.
var ErrSequenceOverflow = errors.New("message: sequence number overflow")

// SegmentMessage is one chunk of the ordered byte stream carried on its own
// unidirectional stream. The stream's FIN marks the end of the payload.
//
//	SEGMENT {
//	  Sequence (varint),
//	  Payload (..),
//	}
type SegmentMessage struct {
	Sequence uint64
	Payload  []byte
}

// Encode writes the segment and leaves the stream open; the caller closes it.
func (s SegmentMessage) Encode(w io.Writer) error {
	if s.Sequence > quicvarint.Max {
		return ErrSequenceOverflow
	}

	b := make([]byte, 0, quicvarint.Len(s.Sequence)+len(s.Payload))
	b = quicvarint.Append(b, s.Sequence)
	b = append(b, s.Payload...)

	_, err := w.Write(b)
	return err
}

// Decode reads a whole segment up to EOF. Payloads longer than maxPayload are rejected.
func (s *SegmentMessage) Decode(r io.Reader, maxPayload int) error {
	mr := quicvarint.NewReader(r)

	seq, err := quicvarint.Read(mr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	payload, err := io.ReadAll(io.LimitReader(mr, int64(maxPayload)+1))
	if err != nil {
		return err
	}
	if len(payload) > maxPayload {
		return ErrSegmentTooLarge
	}

	s.Sequence = seq
	s.Payload = payload

	return nil
}
