// Package wire provides the framed Package codec the protocol client runs
// on top of. spec.md §4.1 treats the codec as an external collaborator with
// a narrow interface (header_size, parse_header, extract_body, make); no
// such library exists anywhere in the retrieved corpus, so this package
// supplies a minimal concrete implementation behind that same interface —
// everything above internal/wire only ever touches HeaderSize,
// ParseHeader, PartialPackage.ExtractBody and Make.
//
// Wire layout, big-endian, length-prefixed:
//
//	[0:4]   uint32  total size of the frame, header included
//	[4:6]   uint16  pid
//	[6:7]   byte    type (high bit is the RESPONSE_BIT)
//	[7:11]  uint32  partid
//	[11:]   []byte  JSON-encoded payload
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// HeaderSize is the fixed byte length of a Package header.
const HeaderSize = 11

// ResponseBit flags a response package in the type byte (spec §3).
const ResponseBit byte = 0x80

// ErrUnknownType is returned by PartialPackage.ExtractBody when the type
// byte does not correspond to a message kind the caller recognizes.
var ErrUnknownType = errors.New("wire: unknown package type")

// Package is a fully decoded framed message.
type Package struct {
	Pid    uint16
	Type   byte
	PartID uint32
	Data   any
}

// IsResponse reports whether the response bit is set on Type.
func (p *Package) IsResponse() bool { return p.Type&ResponseBit != 0 }

// PartialPackage is a Package whose header has been parsed but whose body
// has not yet been extracted — the buffer might not contain the full frame
// yet.
type PartialPackage struct {
	Total  int
	Pid    uint16
	Type   byte
	PartID uint32
}

// ParseHeader reads the header from buf. It reports ok=false if buf is
// shorter than HeaderSize — the caller should wait for more bytes.
func ParseHeader(buf []byte) (pp PartialPackage, ok bool) {
	if len(buf) < HeaderSize {
		return PartialPackage{}, false
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	pid := binary.BigEndian.Uint16(buf[4:6])
	typ := buf[6]
	partID := binary.BigEndian.Uint32(buf[7:11])
	return PartialPackage{
		Total:  int(total),
		Pid:    pid,
		Type:   typ,
		PartID: partID,
	}, true
}

// ExtractBody decodes the payload for this header out of buf, which must
// contain at least pp.Total bytes. isKnownType classifies the type byte
// (stripped of ResponseBit) — when it returns false, ExtractBody fails
// with ErrUnknownType so the caller can log and skip the frame instead of
// treating it as a resync-worthy corruption.
func (pp PartialPackage) ExtractBody(buf []byte, isKnownType func(byte) bool) (*Package, error) {
	if len(buf) < pp.Total {
		return nil, fmt.Errorf("wire: buffer too short: have %d, need %d", len(buf), pp.Total)
	}
	baseType := pp.Type &^ ResponseBit
	if isKnownType != nil && !isKnownType(baseType) {
		return nil, ErrUnknownType
	}

	body := buf[HeaderSize:pp.Total]
	var data any
	if len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, fmt.Errorf("wire: decode body: %w", err)
		}
	}
	return &Package{Pid: pp.Pid, Type: pp.Type, PartID: pp.PartID, Data: data}, nil
}

// Make builds a new Package ready for transmission. Pid defaults to 0 and
// is assigned by the protocol client's request() for tracked requests; 0
// is valid for fire-and-forget sends.
func Make(typ byte, partID uint32, data any) *Package {
	return &Package{Type: typ, PartID: partID, Data: data}
}

// ToBytes serializes the package to its wire form.
func (p *Package) ToBytes() ([]byte, error) {
	var body []byte
	var err error
	if p.Data != nil {
		body, err = json.Marshal(p.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: encode body: %w", err)
		}
	}

	total := HeaderSize + len(body)
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(total))
	binary.BigEndian.PutUint16(out[4:6], p.Pid)
	out[6] = p.Type
	binary.BigEndian.PutUint32(out[7:11], p.PartID)
	copy(out[HeaderSize:], body)
	return out, nil
}
