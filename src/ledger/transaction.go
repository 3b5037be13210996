package ledger

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Broadcast is the wildcard address. A transaction sent to Broadcast is
// delivered to every polling node.
const Broadcast = "*"

// Payload is the free-form body of a transaction. Typed payload structs are
// moved in and out of this shape with EncodePayload and DecodePayload.
type Payload map[string]interface{}

// Transaction is the message envelope carried by blocks. From and To are
// node identifiers, with To possibly being the Broadcast wildcard. MessageID
// is a caller-supplied unique identifier, advisory only. BlockIndex is not
// part of the wire form; queries annotate it with the index of the sealed
// block that carries the transaction, and -1 means unsealed.
type Transaction struct {
	Kind       Kind    `json:"type"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Data       Payload `json:"data"`
	Timestamp  float64 `json:"timestamp"`
	MessageID  string  `json:"message_id"`
	BlockIndex int     `json:"-"`
}

// IsBroadcast ...
func (t *Transaction) IsBroadcast() bool {
	return t.To == Broadcast
}

// AddressedTo reports whether the transaction should be delivered to the
// given node, either directly or through the Broadcast wildcard.
func (t *Transaction) AddressedTo(nodeID string) bool {
	return t.To == nodeID || t.To == Broadcast
}

// DecodeData unmarshals the transaction payload into a typed struct.
func (t *Transaction) DecodeData(out interface{}) error {
	return DecodePayload(t.Data, out)
}

// Marshal - canonical json encoding of the transaction.
func (t *Transaction) Marshal() ([]byte, error) {
	return canonicalMarshal(t)
}

// Unmarshal ...
func (t *Transaction) Unmarshal(data []byte) error {
	return canonicalUnmarshal(data, t)
}

// EncodePayload converts a typed payload struct into the wire Payload shape.
func EncodePayload(v interface{}) (Payload, error) {
	raw, err := canonicalMarshal(v)
	if err != nil {
		return nil, err
	}

	p := Payload{}
	if err := canonicalUnmarshal(raw, &p); err != nil {
		return nil, err
	}

	return p, nil
}

// DecodePayload converts a wire Payload into a typed payload struct.
func DecodePayload(p Payload, out interface{}) error {
	raw, err := canonicalMarshal(p)
	if err != nil {
		return err
	}
	return canonicalUnmarshal(raw, out)
}

// canonicalMarshal encodes v as json with sorted map keys, so that the same
// value always produces the same bytes. Block hashes are computed over this
// encoding.
func canonicalMarshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func canonicalUnmarshal(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}
