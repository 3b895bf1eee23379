package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

func TestErrorBlockNumberNilForUnboundedErrors(t *testing.T) {
	t.Parallel()

	subErr := chainmodel.SubgraphError{Message: "manifest resolution failed"}
	if got := errorBlockNumber(subErr); got != nil {
		t.Fatalf("expected nil block number, got %v", *got)
	}
}

func TestErrorBlockNumberExtractsNumber(t *testing.T) {
	t.Parallel()

	subErr := chainmodel.SubgraphError{
		Message:      "handler panicked",
		BlockPointer: &chainmodel.BlockPointer{Number: 42},
	}
	got := errorBlockNumber(subErr)
	if got == nil {
		t.Fatalf("expected a non-nil block number")
	}
	if *got != 42 {
		t.Fatalf("expected 42, got %d", *got)
	}
}

// TestPOIDigestSurvivesEntityJSONRoundTrip replicates the write/read path
// GetPOIDigest relies on (an Entity serialized via TransactBlockOperations's
// json.Marshal, read back via GetEntity's json.Unmarshal into
// map[string]interface{}) without a live database, verifying the stored hex
// text decodes back to the exact digest bytes proof-of-indexing produced.
func TestPOIDigestSurvivesEntityJSONRoundTrip(t *testing.T) {
	t.Parallel()

	digest := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	written := chainmodel.Entity{"digest": hex.EncodeToString(digest)}

	raw, err := json.Marshal(written)
	if err != nil {
		t.Fatalf("marshal entity: %v", err)
	}
	var readBack chainmodel.Entity
	if err := json.Unmarshal(raw, &readBack); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}

	digestStr, ok := readBack["digest"].(string)
	if !ok {
		t.Fatalf("expected digest field to decode as a string, got %T", readBack["digest"])
	}
	got, err := hex.DecodeString(digestStr)
	if err != nil {
		t.Fatalf("decode hex digest: %v", err)
	}
	if !bytes.Equal(got, digest) {
		t.Fatalf("expected round-tripped digest %x, got %x", digest, got)
	}
}
