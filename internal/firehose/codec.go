package firehose

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"coopmesh/internal/domain"
)

// Frame header op codes.
const (
	OpMessage = 1
	OpError   = -1
)

// MessageCommit is the only frame type that yields change events.
// All other types (identity churn, account status, info frames) are
// administrative and decode to an empty event list.
const MessageCommit = "#commit"

// encMode uses Core Deterministic Encoding so the same logical record
// always produces identical bytes, and therefore an identical content
// hash. decMode maps any-typed targets to map[string]any.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("firehose: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("firehose: CBOR decoder initialization failed: " + err.Error())
	}
}

// frameHeader is the first of the two concatenated CBOR values that
// make up a frame.
type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t,omitempty"`
}

type repoOp struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
	Hash   string `cbor:"hash,omitempty"`
}

// commitBody is the body of a #commit frame. Blocks is the embedded
// content-addressed container: each entry is the deterministic CBOR
// encoding of one record, addressable by the sha-256 of its bytes.
type commitBody struct {
	Seq    int64    `cbor:"seq"`
	DID    string   `cbor:"did"`
	Time   string   `cbor:"time"`
	Ops    []repoOp `cbor:"ops"`
	Blocks [][]byte `cbor:"blocks,omitempty"`
}

type errorBody struct {
	Message string `cbor:"message,omitempty"`
}

// HashBlock returns the content hash of a block's bytes.
func HashBlock(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MarshalRecord encodes a record deterministically and returns its
// bytes together with their content hash.
func MarshalRecord(record map[string]any) ([]byte, string, error) {
	data, err := encMode.Marshal(record)
	if err != nil {
		return nil, "", err
	}
	return data, HashBlock(data), nil
}

// UnmarshalRecord decodes record bytes back into their map form.
func UnmarshalRecord(data []byte) (map[string]any, error) {
	var record map[string]any
	if err := decMode.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// LocationURI builds the canonical record location for a DID,
// collection and record key.
func LocationURI(did, collection, rkey string) string {
	return "coop://" + did + "/" + collection + "/" + rkey
}

// ParseLocationURI splits a record location back into its DID,
// collection and record key. DIDs never contain slashes, so the three
// path segments are unambiguous.
func ParseLocationURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "coop://")
	if !ok {
		return "", "", "", fmt.Errorf("not a record location: %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed record location: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// DecodeFrame decodes one frame into its change events without
// resolving record payloads. Error-op frames and non-commit message
// types return an empty event list; malformed frame bytes return an
// error and the frame must be dropped by the caller.
func DecodeFrame(data []byte) ([]domain.ChangeEvent, error) {
	events, _, err := decodeFrame(data)
	return events, err
}

// DecodeFrameRecords decodes one frame and additionally walks the
// embedded block container, attaching each block that decodes as a
// record to the matching event by content hash. Blocks that fail to
// decode are skipped, never surfaced as errors.
func DecodeFrameRecords(data []byte) ([]domain.ChangeEvent, error) {
	events, blocks, err := decodeFrame(data)
	if err != nil || len(events) == 0 {
		return events, err
	}
	records := make(map[string]map[string]any, len(blocks))
	for _, block := range blocks {
		var record map[string]any
		if err := decMode.Unmarshal(block, &record); err != nil {
			continue
		}
		records[HashBlock(block)] = record
	}
	for i := range events {
		if events[i].Action == domain.ActionDelete || events[i].ContentHash == "" {
			continue
		}
		if record, ok := records[events[i].ContentHash]; ok {
			events[i].Record = record
		}
	}
	return events, nil
}

func decodeFrame(data []byte) ([]domain.ChangeEvent, [][]byte, error) {
	var header frameHeader
	rest, err := cbor.UnmarshalFirst(data, &header)
	if err != nil {
		return nil, nil, fmt.Errorf("decode frame header: %w", err)
	}
	if header.Op != OpMessage || header.Type != MessageCommit {
		return nil, nil, nil
	}
	var body commitBody
	if err := decMode.Unmarshal(rest, &body); err != nil {
		return nil, nil, fmt.Errorf("decode commit body: %w", err)
	}
	events := make([]domain.ChangeEvent, 0, len(body.Ops))
	for _, op := range body.Ops {
		events = append(events, domain.ChangeEvent{
			Seq:         body.Seq,
			AuthorDID:   body.DID,
			Action:      op.Action,
			LocationURI: "coop://" + body.DID + "/" + op.Path,
			ContentHash: op.Hash,
			Time:        body.Time,
		})
	}
	return events, body.Blocks, nil
}

// EncodeCommit builds a commit frame from one local event row. The
// record bytes, when present, travel in the block container keyed by
// their content hash.
func EncodeCommit(evt domain.Event) ([]byte, error) {
	body := commitBody{
		Seq:  evt.Seq,
		DID:  evt.DID,
		Time: evt.TS,
		Ops: []repoOp{{
			Action: evt.Action,
			Path:   evt.Collection + "/" + evt.RKey,
			Hash:   evt.ContentHash,
		}},
	}
	if len(evt.Record) > 0 {
		body.Blocks = [][]byte{evt.Record}
	}
	return encodeFrame(frameHeader{Op: OpMessage, Type: MessageCommit}, body)
}

// EncodeError builds an error-op frame.
func EncodeError(message string) ([]byte, error) {
	return encodeFrame(frameHeader{Op: OpError}, errorBody{Message: message})
}

// EncodeInfo builds an administrative frame of the given type; useful
// for cursor-gap notices. Consumers skip it.
func EncodeInfo(frameType string) ([]byte, error) {
	return encodeFrame(frameHeader{Op: OpMessage, Type: frameType}, map[string]any{})
}

func encodeFrame(header frameHeader, body any) ([]byte, error) {
	headerBytes, err := encMode.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}
	bodyBytes, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode frame body: %w", err)
	}
	return append(headerBytes, bodyBytes...), nil
}
