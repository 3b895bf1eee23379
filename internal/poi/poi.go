// Package poi implements the proof-of-indexing digest: a per-causality-region,
// append-only BLAKE3 stream that lets two independent indexers of the same
// subgraph attest they processed identical entity mutations in identical
// order, without comparing the mutations themselves.
package poi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// CausalityRegion scopes a proof-of-indexing stream. The main region is the
// empty string; the engine's dispatcher passes it for every trigger, static
// and dynamic data sources alike, and any other region is whatever string
// a writer chooses. Each region is hashed independently.
type CausalityRegion string

const MainCausalityRegion CausalityRegion = ""

// digestStream is one causality region's running BLAKE3 hash.
type digestStream struct {
	hasher *blake3.Hasher
}

// ProofOfIndexing accumulates one digest per causality region for a single
// block-processing pass. It is created fresh per block (seeded from the
// previous block's stored digests via Resume) and finalized once by
// Digests, mirroring the handle lifecycle the engine drives: one instance
// lives for exactly one BlockProcessor pass.
//
// Every method holds an internal mutex, so concurrent calls are safe; in
// practice the engine's single-writer discipline means exactly one
// goroutine touches a ProofOfIndexing at a time.
type ProofOfIndexing struct {
	mu      sync.Mutex
	streams map[CausalityRegion]*digestStream
	block   chainmodel.BlockPointer
}

// New starts a proof-of-indexing pass for block. Regions are created
// lazily on first write.
func New(block chainmodel.BlockPointer) *ProofOfIndexing {
	return &ProofOfIndexing{
		streams: make(map[CausalityRegion]*digestStream),
		block:   block,
	}
}

func (p *ProofOfIndexing) region(cr CausalityRegion) *digestStream {
	s, ok := p.streams[cr]
	if !ok {
		s = &digestStream{hasher: blake3.New()}
		// Seed each region's stream with the block pointer so that two
		// blocks with identical mutations but different heights/hashes
		// never collide on the same digest.
		var buf [40]byte
		binary.BigEndian.PutUint64(buf[:8], p.block.Number)
		copy(buf[8:], p.block.Hash[:])
		s.hasher.Write(buf[:])
		p.streams[cr] = s
	}
	return s
}

// Resume folds prevDigest (the finalized digest stored for this region at
// the parent block) into cr's stream at its current position, so the chain
// of digests is unbroken across blocks without needing to replay every
// prior block's mutations. BlockProcessor calls it at commit time, after
// the block's writes, for every touched region.
func (p *ProofOfIndexing) Resume(cr CausalityRegion, prevDigest []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.region(cr)
	s.hasher.Write(prevDigest)
}

// WriteMutation folds one entity mutation into cr's running digest. The
// encoding is deliberately simple and stable: mutation kind, then key
// fields, then a canonical attribute dump, each length-prefixed so no
// ambiguity arises between adjacent fields.
func (p *ProofOfIndexing) WriteMutation(cr CausalityRegion, m chainmodel.EntityMutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.region(cr)
	writeByte(s.hasher, byte(m.Kind))
	writeString(s.hasher, string(m.Key.EntityType))
	writeString(s.hasher, m.Key.EntityID)
	if m.Kind == chainmodel.MutationSet {
		writeEntity(s.hasher, m.Entity)
	}
}

// WriteHandlerError folds a deterministic mapping error into cr's digest.
// Two indexers that both hit the same deterministic error on the same
// block must produce the same digest, so the error is part of the stream
// just like a mutation would be.
func (p *ProofOfIndexing) WriteHandlerError(cr CausalityRegion, err chainmodel.SubgraphError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.region(cr)
	writeByte(s.hasher, 0xFF)
	writeString(s.hasher, err.Handler)
	writeString(s.hasher, err.Message)
}

// TouchedRegions lists every causality region written to during this pass,
// without finalizing anything — used to look up each region's previous
// digest before calling Resume.
func (p *ProofOfIndexing) TouchedRegions() []CausalityRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CausalityRegion, 0, len(p.streams))
	for cr := range p.streams {
		out = append(out, cr)
	}
	return out
}

// Digests finalizes every region touched during this pass and returns a
// snapshot of their digests, ready to be persisted as POI entities and to
// seed the next block's Resume calls.
func (p *ProofOfIndexing) Digests() map[CausalityRegion][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[CausalityRegion][]byte, len(p.streams))
	for cr, s := range p.streams {
		sum := s.hasher.Sum(nil)
		out[cr] = sum
	}
	return out
}

func writeByte(h *blake3.Hasher, b byte) {
	h.Write([]byte{b})
}

func writeString(h *blake3.Hasher, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// writeEntity folds an attribute bag into h in a stable, sorted-key order
// so that map iteration order never affects the digest.
func writeEntity(h *blake3.Hasher, e chainmodel.Entity) {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(keys)))
	h.Write(lenBuf[:])
	for _, k := range keys {
		writeString(h, k)
		writeValue(h, e[k])
	}
}

func writeValue(h *blake3.Hasher, v interface{}) {
	switch val := v.(type) {
	case nil:
		writeByte(h, 0)
	case string:
		writeByte(h, 1)
		writeString(h, val)
	case []byte:
		writeByte(h, 2)
		writeString(h, string(val))
	case bool:
		writeByte(h, 3)
		if val {
			writeByte(h, 1)
		} else {
			writeByte(h, 0)
		}
	default:
		writeByte(h, 4)
		writeString(h, stringify(val))
	}
}

// sortStrings is a tiny insertion sort to avoid pulling in "sort" for a
// handful of attribute names per entity; entities rarely have more than a
// few dozen attributes so this stays cheap.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func stringify(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}
