// Package vectorindex implements a per-tenant inner-product index over unit
// vectors, with slot-stable upsert/search/remove, tombstone-based deletion,
// and periodic compaction. Persistence goes through a temp-file-then-rename
// style write (here, through store.ObjectStore, whose Put is documented to
// be atomic with respect to Get) so readers never observe a partially
// written blob, grounded in the teacher's PyTorchStyleCache.setToDisk.
package vectorindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// compactionThreshold is the tombstoned/total ratio that triggers a
// compaction on the next mutating call.
const compactionThreshold = 0.25

// Result is one search hit.
type Result struct {
	Slot  int
	Score float32
}

// Index is a per-tenant, in-memory inner-product index. Zero value is not
// usable; construct with New or Decode.
type Index struct {
	dimension  int
	vectors    [][]float32
	tombstoned []bool
	live       int
}

// New constructs an empty Index for vectors of the given dimension.
func New(dimension int) *Index {
	return &Index{dimension: dimension}
}

// Dimension reports the vector width this index was constructed for.
func (ix *Index) Dimension() int { return ix.dimension }

// Len reports the number of slots ever allocated, including tombstoned ones.
func (ix *Index) Len() int { return len(ix.vectors) }

// LiveCount reports the number of non-tombstoned slots.
func (ix *Index) LiveCount() int { return ix.live }

// Upsert appends vectors contiguously and returns their assigned slots.
// Slot ids are stable across the lifetime of the index except across a
// Compact call, which the caller must reconcile with the sidecar mapping it
// owns.
func (ix *Index) Upsert(vectors [][]float32) ([]int, error) {
	slots := make([]int, 0, len(vectors))
	for _, v := range vectors {
		if len(v) != ix.dimension {
			return nil, fmt.Errorf("vectorindex: vector dimension %d does not match index dimension %d", len(v), ix.dimension)
		}
		slot := len(ix.vectors)
		ix.vectors = append(ix.vectors, append([]float32(nil), v...))
		ix.tombstoned = append(ix.tombstoned, false)
		ix.live++
		slots = append(slots, slot)
	}
	return slots, nil
}

// Search returns the top-k slots by dot product against query, skipping
// tombstoned slots. Ties break by smaller slot id.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("vectorindex: query dimension %d does not match index dimension %d", len(query), ix.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	results := make([]Result, 0, ix.live)
	for slot, v := range ix.vectors {
		if ix.tombstoned[slot] {
			continue
		}
		results = append(results, Result{Slot: slot, Score: dot(query, v)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Slot < results[j].Slot
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove logically tombstones slots. Removing an already-tombstoned or
// out-of-range slot is a no-op for that slot.
func (ix *Index) Remove(slots []int) {
	for _, s := range slots {
		if s < 0 || s >= len(ix.tombstoned) || ix.tombstoned[s] {
			continue
		}
		ix.tombstoned[s] = true
		ix.live--
	}
}

// NeedsCompaction reports whether the tombstoned/total ratio has crossed
// compactionThreshold.
func (ix *Index) NeedsCompaction() bool {
	total := len(ix.vectors)
	if total == 0 {
		return false
	}
	tombstoned := total - ix.live
	return float64(tombstoned)/float64(total) > compactionThreshold
}

// Compact rewrites the blob, dropping tombstoned slots and reassigning the
// remaining ones contiguously from zero. It returns the old-slot->new-slot
// mapping for live slots so the caller can rewrite its sidecar (chunk rows'
// embedding_slot) before discarding the pre-compaction blob, matching the
// "sidecar updated first, then old blob deleted" ordering.
func (ix *Index) Compact() map[int]int {
	mapping := make(map[int]int, ix.live)
	newVectors := make([][]float32, 0, ix.live)
	for oldSlot, v := range ix.vectors {
		if ix.tombstoned[oldSlot] {
			continue
		}
		mapping[oldSlot] = len(newVectors)
		newVectors = append(newVectors, v)
	}
	ix.vectors = newVectors
	ix.tombstoned = make([]bool, len(newVectors))
	ix.live = len(newVectors)
	return mapping
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// magic/version tag the on-disk blob format so a future incompatible layout
// change fails loudly instead of silently misreading.
const (
	magic   uint32 = 0x52414756 // "RAGV"
	version uint32 = 1
)

// Encode serializes the index to its durable blob form: a small header
// followed by dimension-prefixed float32 vectors and a tombstone bitmap.
func (ix *Index) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, magic)
	_ = binary.Write(&buf, binary.LittleEndian, version)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ix.dimension))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(ix.vectors)))
	for _, v := range ix.vectors {
		for _, x := range v {
			_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(x))
		}
	}
	for _, t := range ix.tombstoned {
		var b byte
		if t {
			b = 1
		}
		buf.WriteByte(b)
	}
	return buf.Bytes()
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (*Index, error) {
	r := bytes.NewReader(data)
	var m, v, dim, count uint32
	for _, dst := range []*uint32{&m, &v} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("vectorindex: decode header: %w", err)
		}
	}
	if m != magic {
		return nil, fmt.Errorf("vectorindex: bad magic %x", m)
	}
	if v != version {
		return nil, fmt.Errorf("vectorindex: unsupported version %d", v)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("vectorindex: decode dimension: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("vectorindex: decode count: %w", err)
	}

	ix := &Index{dimension: int(dim)}
	ix.vectors = make([][]float32, count)
	for i := range ix.vectors {
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, fmt.Errorf("vectorindex: decode vector: %w", err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		ix.vectors[i] = vec
	}
	ix.tombstoned = make([]bool, count)
	for i := range ix.tombstoned {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("vectorindex: decode tombstones: %w", err)
		}
		ix.tombstoned[i] = b == 1
		if !ix.tombstoned[i] {
			ix.live++
		}
	}
	return ix, nil
}
