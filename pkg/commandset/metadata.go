package commandset

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/keycard-hq/keycard-core/pkg/cryptoutil"
)

// metadataNameMaxLen is the largest name length the single-byte header can
// carry (5 low bits, spec §3 Metadata).
const metadataNameMaxLen = 0x1F

// metadataVersion is the only header version this codec understands (top 3
// bits of the header byte).
const metadataVersion = 1

// Metadata is the decoded form of the blob stored in the card's public
// data slot: a display name plus the set of wallet indices in use under
// the wallet-root path (spec §3 Metadata, §6 derivation paths).
type Metadata struct {
	Name    string
	Indices []uint32
}

// EncodeMetadata serializes name and a set of wallet indices into the
// on-card wire format: a header byte (version<<5 | len(name)), the name
// bytes, then a sequence of LEB128 (start, count) run pairs covering the
// sorted, deduplicated index set. count is elements_in_run-1, so a single
// standalone index encodes as count=0 (spec §6).
func EncodeMetadata(name string, indices []uint32) ([]byte, error) {
	if len(name) > metadataNameMaxLen {
		return nil, errors.Errorf("metadata name too long: %d bytes (max %d)", len(name), metadataNameMaxLen)
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(byte(metadataVersion<<5) | byte(len(name)))
	buf.WriteString(name)

	for _, run := range runLengthEncode(indices) {
		cryptoutil.EncodeLEB128(buf, run.start)
		cryptoutil.EncodeLEB128(buf, run.count-1)
	}

	return buf.Bytes(), nil
}

// ParseMetadata is the inverse of EncodeMetadata.
func ParseMetadata(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return &Metadata{}, nil
	}

	header := data[0]
	if header>>5 != metadataVersion {
		return nil, errors.Errorf("unsupported metadata version byte %#x", header)
	}

	nameLen := int(header & metadataNameMaxLen)
	if len(data) < 1+nameLen {
		return nil, errors.New("metadata blob shorter than its declared name length")
	}

	name := string(data[1 : 1+nameLen])
	reader := bytes.NewReader(data[1+nameLen:])

	var indices []uint32
	for reader.Len() > 0 {
		start, err := cryptoutil.DecodeLEB128(reader)
		if err != nil {
			return nil, errors.Wrap(err, "decoding metadata run start")
		}
		count, err := cryptoutil.DecodeLEB128(reader)
		if err != nil {
			return nil, errors.Wrap(err, "decoding metadata run count")
		}
		for i := uint32(0); i <= count; i++ {
			indices = append(indices, start+i)
		}
	}

	return &Metadata{Name: name, Indices: indices}, nil
}

type indexRun struct {
	start uint32
	count uint32
}

func runLengthEncode(indices []uint32) []indexRun {
	if len(indices) == 0 {
		return nil
	}

	sorted := append([]uint32(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	deduped := sorted[:1]
	for _, v := range sorted[1:] {
		if v != deduped[len(deduped)-1] {
			deduped = append(deduped, v)
		}
	}

	var runs []indexRun
	runStart := deduped[0]
	runLen := uint32(1)
	for i := 1; i < len(deduped); i++ {
		if deduped[i] == deduped[i-1]+1 {
			runLen++
			continue
		}
		runs = append(runs, indexRun{start: runStart, count: runLen})
		runStart = deduped[i]
		runLen = 1
	}
	runs = append(runs, indexRun{start: runStart, count: runLen})

	return runs
}

func (m *Metadata) String() string {
	return fmt.Sprintf("Metadata{Name: %q, Indices: %v}", m.Name, m.Indices)
}
