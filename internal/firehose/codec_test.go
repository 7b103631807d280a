package firehose

import (
	"testing"

	"coopmesh/internal/domain"
)

func TestCommitRoundTrip(t *testing.T) {
	record := map[string]any{
		"$type": "coop.profile",
		"name":  "Test Coop",
	}
	data, hash, err := MarshalRecord(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	frame, err := EncodeCommit(domain.Event{
		Seq:         7,
		DID:         "did:reg:abc",
		Action:      domain.ActionCreate,
		Collection:  "coop.profile",
		RKey:        "self",
		Record:      data,
		ContentHash: hash,
		TS:          "2026-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("encode commit: %v", err)
	}

	events, err := DecodeFrameRecords(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	evt := events[0]
	if evt.Seq != 7 || evt.AuthorDID != "did:reg:abc" || evt.Action != domain.ActionCreate {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.LocationURI != "coop://did:reg:abc/coop.profile/self" {
		t.Fatalf("unexpected location uri %q", evt.LocationURI)
	}
	if evt.ContentHash != hash {
		t.Fatalf("content hash mismatch: %q vs %q", evt.ContentHash, hash)
	}
	if evt.Record == nil || evt.Record["name"] != "Test Coop" {
		t.Fatalf("record not attached: %+v", evt.Record)
	}
}

func TestDecodeFrameWithoutRecords(t *testing.T) {
	record := map[string]any{"name": "x"}
	data, hash, err := MarshalRecord(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	frame, err := EncodeCommit(domain.Event{
		Seq: 1, DID: "did:reg:abc", Action: domain.ActionCreate,
		Collection: "coop.profile", RKey: "self", Record: data, ContentHash: hash,
	})
	if err != nil {
		t.Fatalf("encode commit: %v", err)
	}
	events, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Record != nil {
		t.Fatalf("basic decode must not attach records")
	}
}

func TestNonCommitFramesYieldNoEvents(t *testing.T) {
	info, err := EncodeInfo("#identity")
	if err != nil {
		t.Fatalf("encode info: %v", err)
	}
	events, err := DecodeFrameRecords(info)
	if err != nil {
		t.Fatalf("info frame must not error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("info frame yielded %d events", len(events))
	}

	errFrame, err := EncodeError("cursor gap")
	if err != nil {
		t.Fatalf("encode error frame: %v", err)
	}
	events, err = DecodeFrameRecords(errFrame)
	if err != nil {
		t.Fatalf("error frame must not error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("error frame yielded %d events", len(events))
	}
}

func TestMalformedFrameIsAnError(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestUndecodableBlocksAreSkipped(t *testing.T) {
	// A block that is valid CBOR but not a record map.
	badBlock, err := encMode.Marshal([]any{"structural", "node"})
	if err != nil {
		t.Fatalf("marshal bad block: %v", err)
	}
	goodRecord := map[string]any{"name": "ok"}
	goodBlock, goodHash, err := MarshalRecord(goodRecord)
	if err != nil {
		t.Fatalf("marshal good block: %v", err)
	}
	frame, err := encodeFrame(frameHeader{Op: OpMessage, Type: MessageCommit}, commitBody{
		Seq: 2, DID: "did:reg:abc", Time: "2026-01-02T03:04:05Z",
		Ops: []repoOp{
			{Action: domain.ActionCreate, Path: "coop.profile/a", Hash: HashBlock(badBlock)},
			{Action: domain.ActionCreate, Path: "coop.profile/b", Hash: goodHash},
		},
		Blocks: [][]byte{badBlock, goodBlock},
	})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	events, err := DecodeFrameRecords(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Record != nil {
		t.Fatalf("undecodable block must leave its event without a record")
	}
	if events[1].Record == nil || events[1].Record["name"] != "ok" {
		t.Fatalf("decodable block not attached: %+v", events[1].Record)
	}
}

func TestParseLocationURI(t *testing.T) {
	did, collection, rkey, err := ParseLocationURI("coop://did:web:example.com/coop.membership.request/abc123")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if did != "did:web:example.com" || collection != "coop.membership.request" || rkey != "abc123" {
		t.Fatalf("unexpected parts: %q %q %q", did, collection, rkey)
	}
	for _, bad := range []string{"", "https://x/y/z", "coop://only/two", "coop://a/b/c/d"} {
		if _, _, _, err := ParseLocationURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMarshalRecordIsDeterministic(t *testing.T) {
	record := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	_, h1, err := MarshalRecord(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, h2, err := MarshalRecord(map[string]any{"nested": map[string]any{"x": false, "y": true}, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("same logical record hashed differently: %s vs %s", h1, h2)
	}
}
