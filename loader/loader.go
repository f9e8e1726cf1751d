// Package loader reads the SMQ weight-file format (spec.md §6) and
// builds a tensor.Store from it. This is the only package in the
// engine that knows the on-disk layout; everything above it sees only
// tensor.QuantizedTensor views.
package loader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/ariannamethod/smqinfer/smqerr"
	"github.com/ariannamethod/smqinfer/tensor"
)

const (
	magic         = "SMQv0001"
	headerSize    = 32
	entrySize     = 156
	formatVersion = uint32(1)
)

// header is the fixed 32-byte SMQ header (spec.md §6).
type header struct {
	Magic          [8]byte
	Version        uint32
	HeaderSize     uint32
	TensorCount    uint32
	MetadataLength uint32
	Reserved       [8]byte
}

// entry is one 156-byte tensor directory entry.
type entry struct {
	Name       [64]byte
	Scheme     uint32
	Rank       uint32
	Dims       [8]uint32
	BlockSize  uint32
	DataOffset uint64
	DataLength uint64
	AuxOffset  uint64
	AuxLength  uint64
	Reserved   [16]byte
}

// Metadata is the free-form JSON blob following the header (spec.md §6);
// callers that don't care about it can ignore the returned map.
type Metadata map[string]any

// LoadFile opens path and parses it as an SMQ weight file, returning a
// populated tensor.Store plus the JSON metadata blob.
func LoadFile(path string) (*tensor.Store, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses an SMQ weight stream. r must support ReadAt-style random
// access for the payload region, so a *os.File or an in-memory
// *bytes.Reader over a fully-buffered blob both work; Load itself only
// needs sequential reads for the header/directory and seeks for the
// payload.
func Load(r io.ReadSeeker) (*tensor.Store, Metadata, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, nil, fmt.Errorf("loader: read header: %w", err)
	}
	var h header
	copy(h.Magic[:], raw[0:8])
	h.Version = binary.LittleEndian.Uint32(raw[8:12])
	h.HeaderSize = binary.LittleEndian.Uint32(raw[12:16])
	h.TensorCount = binary.LittleEndian.Uint32(raw[16:20])
	h.MetadataLength = binary.LittleEndian.Uint32(raw[20:24])

	if string(h.Magic[:]) != magic {
		return nil, nil, smqerr.New(smqerr.KindBadMagic, fmt.Sprintf("got %q, want %q", h.Magic[:], magic))
	}
	if h.Version != formatVersion {
		return nil, nil, smqerr.New(smqerr.KindBadVersion, fmt.Sprintf("got %d, want %d", h.Version, formatVersion))
	}
	if h.HeaderSize != headerSize {
		return nil, nil, smqerr.New(smqerr.KindBadSize, fmt.Sprintf("header size %d != %d", h.HeaderSize, headerSize))
	}

	metaBytes := make([]byte, h.MetadataLength)
	if h.MetadataLength > 0 {
		if _, err := io.ReadFull(r, metaBytes); err != nil {
			return nil, nil, fmt.Errorf("loader: read metadata: %w", err)
		}
	}
	meta := Metadata{}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, nil, fmt.Errorf("loader: parse metadata json: %w", err)
		}
	}

	entries := make([]entry, h.TensorCount)
	var entryRaw [entrySize]byte
	for i := range entries {
		if _, err := io.ReadFull(r, entryRaw[:]); err != nil {
			return nil, nil, fmt.Errorf("loader: read directory entry %d: %w", i, err)
		}
		entries[i] = parseEntry(entryRaw)
	}

	payloadStart, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, nil, fmt.Errorf("loader: locate payload start: %w", err)
	}

	if err := checkNoOverlap(entries); err != nil {
		return nil, nil, err
	}

	tensors := make(map[string]*tensor.QuantizedTensor, len(entries))
	for _, e := range entries {
		name := nullTerminatedString(e.Name[:])
		qt, err := readTensor(r, payloadStart, e)
		if err != nil {
			if se, ok := err.(*smqerr.Error); ok {
				return nil, nil, se.WithTensor(name)
			}
			return nil, nil, fmt.Errorf("loader: tensor %q: %w", name, err)
		}
		if err := qt.Validate(); err != nil {
			return nil, nil, smqerr.Wrap(smqerr.KindBadSize, "tensor validation failed", err).WithTensor(name)
		}
		tensors[name] = qt
	}

	store, err := tensor.NewStore(tensors)
	if err != nil {
		return nil, nil, fmt.Errorf("loader: building store: %w", err)
	}
	return store, meta, nil
}

func parseEntry(raw [entrySize]byte) entry {
	var e entry
	copy(e.Name[:], raw[0:64])
	off := 64
	e.Scheme = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	e.Rank = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	for i := 0; i < 8; i++ {
		e.Dims[i] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}
	e.BlockSize = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	e.DataOffset = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	e.DataLength = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	e.AuxOffset = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	e.AuxLength = binary.LittleEndian.Uint64(raw[off:])
	return e
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// checkNoOverlap enforces spec.md §6's "no two data/aux regions
// overlap" rule by sorting every [offset, offset+length) span and
// checking neighbors.
func checkNoOverlap(entries []entry) error {
	type span struct {
		start, end uint64
		name       string
	}
	spans := make([]span, 0, len(entries)*2)
	for _, e := range entries {
		name := nullTerminatedString(e.Name[:])
		if e.DataLength > 0 {
			spans = append(spans, span{e.DataOffset, e.DataOffset + e.DataLength, name})
		}
		if e.AuxLength > 0 {
			spans = append(spans, span{e.AuxOffset, e.AuxOffset + e.AuxLength, name})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return smqerr.New(smqerr.KindOverlap, fmt.Sprintf("payload regions overlap near offset %d", spans[i].start)).WithTensor(spans[i].name)
		}
	}
	return nil
}

func readTensor(r io.ReadSeeker, payloadStart int64, e entry) (*tensor.QuantizedTensor, error) {
	if e.Rank < 1 || e.Rank > 2 {
		return nil, fmt.Errorf("loader: rank %d unsupported, only matrices and vectors are loaded", e.Rank)
	}
	// Rank-1 tensors (layer-norm gamma/beta, biases) are stored as a
	// single row so DequantRow(0, out) yields the whole vector in one
	// call, rather than one element per "row".
	rows, cols := 1, int(e.Dims[0])
	if e.Rank == 2 {
		rows, cols = int(e.Dims[0]), int(e.Dims[1])
	}

	scheme := tensor.Scheme(e.Scheme)
	wantLen, err := expectedDataLength(scheme, rows, cols, int(e.BlockSize))
	if err != nil {
		return nil, err
	}
	if uint64(wantLen) != e.DataLength {
		return nil, smqerr.New(smqerr.KindBadSize, fmt.Sprintf("declared data length %d != computed %d", e.DataLength, wantLen))
	}

	data, err := readRegion(r, payloadStart, e.DataOffset, e.DataLength)
	if err != nil {
		return nil, err
	}

	qt := &tensor.QuantizedTensor{Scheme: scheme, Rows: rows, Cols: cols, BlockSize: int(e.BlockSize)}
	switch scheme {
	case tensor.SchemeF32:
		qt.F32Data = bytesToFloat32(data)
	case tensor.SchemeF16:
		qt.F16Data = data
	case tensor.SchemeQ8, tensor.SchemeQ4, tensor.SchemeQ4_1, tensor.SchemeQ4K:
		qt.Packed = data
		if e.AuxLength > 0 {
			aux, err := readRegion(r, payloadStart, e.AuxOffset, e.AuxLength)
			if err != nil {
				return nil, err
			}
			if scheme == tensor.SchemeQ4_1 {
				half := len(aux) / 2
				qt.Scales = bytesToFloat32(aux[:half])
				qt.Mins = bytesToFloat32(aux[half:])
			} else {
				qt.Scales = bytesToFloat32(aux)
			}
		}
	default:
		return nil, fmt.Errorf("loader: unknown scheme tag %d", e.Scheme)
	}
	return qt, nil
}

func expectedDataLength(scheme tensor.Scheme, rows, cols, blockSize int) (int, error) {
	switch scheme {
	case tensor.SchemeF32:
		return rows * cols * 4, nil
	case tensor.SchemeF16:
		return rows * cols * 2, nil
	default:
		packedLen, err := tensor.ExpectedPackedLen(scheme, rows, cols, blockSize)
		if err != nil {
			return 0, err
		}
		return packedLen, nil
	}
}

func readRegion(r io.ReadSeeker, payloadStart int64, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if _, err := r.Seek(payloadStart+int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("loader: seek to payload offset %d: %w", offset, err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("loader: read %d bytes at offset %d: %w", length, offset, err)
	}
	return buf, nil
}

func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
