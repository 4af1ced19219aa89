package dtl

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec serializes the lookup envelope carried by a request.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSONCodec returns the default envelope codec.
func JSONCodec() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBORCodec returns a canonical CBOR envelope codec.
func CBORCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName resolves "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec(), nil
	case "cbor":
		return CBORCodec()
	default:
		return nil, fmt.Errorf("dtl: unknown codec %q", name)
	}
}

// lookupRequest is the envelope a consumer sends to a producer. The RPC
// backend carries only the path. Epoch numbers a consumer's requests so
// slots written for an earlier request can be told apart.
type lookupRequest struct {
	UPath        *string `json:"upath" cbor:"upath"`
	ProducerRank *uint32 `json:"producer_rank,omitempty" cbor:"producer_rank,omitempty"`
	ConsumerRank *uint32 `json:"consumer_rank,omitempty" cbor:"consumer_rank,omitempty"`
	Epoch        *uint64 `json:"epoch,omitempty" cbor:"epoch,omitempty"`
}

var errMissingUPath = errors.New("envelope has no upath")

func packLookup(c Codec, req lookupRequest) ([]byte, error) {
	if req.UPath == nil {
		return nil, errMissingUPath
	}
	if !utf8.ValidString(*req.UPath) {
		return nil, fmt.Errorf("upath is not valid UTF-8")
	}
	return c.Marshal(req)
}

func unpackLookup(c Codec, payload []byte) (lookupRequest, error) {
	var req lookupRequest
	if len(payload) == 0 {
		return req, errors.New("empty payload")
	}
	if err := c.Unmarshal(payload, &req); err != nil {
		return req, err
	}
	if req.UPath == nil {
		return req, errMissingUPath
	}
	return req, nil
}
