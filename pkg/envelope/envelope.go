// Package envelope implements the wire codec for causally-stamped chat
// messages: the 5-tuple (k, t_k, payload, Dests, O_M) described in the
// causal-ordering core's data model.
package envelope

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// ErrMalformedEnvelope is returned whenever a frame cannot be decoded into
// a well-formed Envelope. Callers must drop the frame (and, for a stream
// transport, the connection) rather than attempt partial delivery.
var ErrMalformedEnvelope = errors.New("envelope: malformed frame")

// CausalEntry is the wire form of a causal log entry: an (origin, seq)
// pair plus the destination set still pending causal delivery.
type CausalEntry struct {
	Origin string   `json:"origin"`
	Seq    uint64   `json:"seq"`
	Dests  []string `json:"dests"`
}

// Envelope is the wire form of a causally-stamped message: sender, the
// sender's clock at send time, the opaque payload, the message's full
// destination set, and the piggy-backed dependency set O_M.
type Envelope struct {
	K       string        `json:"k"`
	TK      uint64        `json:"t_k"`
	Payload string        `json:"payload"`
	Dests   []string      `json:"dests"`
	OM      []CausalEntry `json:"o_m"`
}

func (e *Envelope) validate() error {
	if e == nil {
		return errors.New("nil envelope")
	}
	if e.K == "" {
		return errors.New("missing sender id")
	}
	for _, entry := range e.OM {
		if entry.Origin == "" {
			return errors.New("causal entry with empty origin")
		}
	}
	return nil
}

// Encode marshals an Envelope to its self-delimited byte form. Sets are
// rendered as JSON arrays; nil and empty sets both round-trip as `[]`.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	normalized := *env
	if normalized.Dests == nil {
		normalized.Dests = []string{}
	}
	if normalized.OM == nil {
		normalized.OM = []CausalEntry{}
	}
	for i := range normalized.OM {
		if normalized.OM[i].Dests == nil {
			normalized.OM[i].Dests = []string{}
		}
	}
	data, err := json.Marshal(&normalized)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

// Decode unmarshals a single frame into an Envelope. A malformed frame
// (invalid JSON, unknown fields, or a missing sender id) yields
// ErrMalformedEnvelope wrapped with the underlying detail.
func Decode(frame []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if dec.More() {
		return nil, errors.Wrap(ErrMalformedEnvelope, "trailing data after envelope")
	}
	if err := env.validate(); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	return &env, nil
}

// WriteTo encodes and writes a single self-delimited envelope to w. A
// json.Decoder reading sequentially from the same stream can recover
// frame boundaries without an explicit length prefix, since decoding one
// JSON value consumes exactly that value's bytes.
func WriteTo(w io.Writer, env *Envelope) error {
	if err := env.validate(); err != nil {
		return errors.Wrap(err, "write envelope")
	}
	return json.NewEncoder(w).Encode(env)
}

// oneByteReader hands out at most one byte per Read, so a json.Decoder
// reading through it cannot buffer past the end of the value it decodes.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

// ReadFrom decodes a single envelope from r, consuming exactly the bytes
// of that one JSON value and leaving the reader positioned at the next
// frame.
func ReadFrom(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(oneByteReader{r})
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if err := env.validate(); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	return &env, nil
}
