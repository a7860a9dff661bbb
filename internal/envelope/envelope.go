// Package envelope encodes and decodes the self-describing, versioned
// invocation and response records that cross the BLE transport (spec §3
// "Invocation envelope" / "Response envelope", §6 "Envelope format"). The
// wire encoding is canonical JSON (encoding/json, stdlib) rather than one
// of the pack's binary codecs — see DESIGN.md for why: every library in
// the pack that does structured-data encoding (protobuf, cbor, msgpack)
// is absent from both the teacher and the rest of the retrieved repos, so
// adopting one here would not be grounded in anything the corpus actually
// shows.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/srg/bleactor/internal/rpcerr"
)

// EnvelopeVersion is the metadata.version every envelope declares.
const EnvelopeVersion = "1.0"

// Metadata carries the version tag and creation timestamp of an
// invocation. Other metadata fields present on the wire are ignored when
// decoding.
type Metadata struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Invocation is the wire record for one RPC request (spec §3).
type Invocation struct {
	CallID      uuid.UUID  `json:"call_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	SenderID    *uuid.UUID `json:"sender_id,omitempty"`
	Target      string     `json:"target"`
	Arguments   []byte     `json:"arguments"`
	Metadata    Metadata   `json:"metadata"`
}

// ResultKind discriminates the Response.Result variants.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
	ResultVoid    ResultKind = "void"
)

// Response is the wire record for one RPC reply (spec §3). CallID equals
// the invocation's.
type Response struct {
	CallID    uuid.UUID  `json:"call_id"`
	Kind      ResultKind `json:"kind"`
	Value     []byte     `json:"value,omitempty"`
	ErrorKind rpcerr.Kind `json:"error_kind,omitempty"`
	ErrorMsg  string     `json:"error_msg,omitempty"`
}

// EncodeInvocation serializes inv as a versioned, self-describing blob.
func EncodeInvocation(inv Invocation) ([]byte, error) {
	if inv.Metadata.Version == "" {
		inv.Metadata.Version = EnvelopeVersion
	}
	if inv.Metadata.Timestamp.IsZero() {
		inv.Metadata.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.InvalidEnvelope, err, "encoding invocation")
	}
	return data, nil
}

// DecodeInvocation parses a blob previously produced by EncodeInvocation.
// It fails InvalidEnvelope on malformed JSON and VersionMismatch on an
// unrecognized metadata.version.
func DecodeInvocation(data []byte) (Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invocation{}, rpcerr.Wrap(rpcerr.InvalidEnvelope, err, "decoding invocation")
	}
	if inv.Metadata.Version != EnvelopeVersion {
		return Invocation{}, rpcerr.New(rpcerr.VersionMismatch, "unsupported envelope version "+inv.Metadata.Version)
	}
	return inv, nil
}

// EncodeSuccess builds and serializes a Success response.
func EncodeSuccess(callID uuid.UUID, value []byte) ([]byte, error) {
	return encodeResponse(Response{CallID: callID, Kind: ResultSuccess, Value: value})
}

// EncodeVoid builds and serializes a Void response.
func EncodeVoid(callID uuid.UUID) ([]byte, error) {
	return encodeResponse(Response{CallID: callID, Kind: ResultVoid})
}

// EncodeFailure builds and serializes a Failure response carrying the
// given error kind and message.
func EncodeFailure(callID uuid.UUID, kind rpcerr.Kind, msg string) ([]byte, error) {
	return encodeResponse(Response{CallID: callID, Kind: ResultFailure, ErrorKind: kind, ErrorMsg: msg})
}

func encodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.InvalidEnvelope, err, "encoding response")
	}
	return data, nil
}

// DecodeResponse parses a blob previously produced by one of the Encode*
// response functions.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, rpcerr.Wrap(rpcerr.InvalidEnvelope, err, "decoding response")
	}
	return resp, nil
}
