// Package edid decodes the parts of a VESA EDID base block needed to name
// a monitor: the PNP manufacturer code, the product code, the serial number
// and the monitor name/serial text descriptors.
package edid

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

//go:generate go run ./internal/pnpgen -in testdata/pnp.ids -out pnp_table.go

const BlockSize = 128

var (
	ErrShort    = errors.New("edid: block shorter than 128 bytes")
	ErrHeader   = errors.New("edid: bad header")
	ErrChecksum = errors.New("edid: bad checksum")
	ErrVendor   = errors.New("edid: invalid manufacturer id")
)

var header = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// ParseError wraps one of the sentinel errors above with the length of the
// offending blob.
type ParseError struct {
	Len int
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v (len %d)", e.Err, e.Len)
}

func (e *ParseError) Unwrap() error { return e.Err }

const (
	tagSerial = 0xff
	tagText   = 0xfe
	tagName   = 0xfc
)

type Block struct {
	Vendor       string // 3 letter PNP id
	ProductCode  uint16
	SerialNumber uint32
	Week, Year   int

	Name   string
	Serial string
}

func Parse(data []byte) (*Block, error) {
	if len(data) < BlockSize {
		return nil, &ParseError{Len: len(data), Err: ErrShort}
	}
	b := data[:BlockSize]
	if !bytes.Equal(b[:8], header) {
		return nil, &ParseError{Len: len(data), Err: ErrHeader}
	}
	var sum byte
	for _, v := range b {
		sum += v
	}
	if sum != 0 {
		return nil, &ParseError{Len: len(data), Err: ErrChecksum}
	}

	vendor, ok := decodeVendor(b[8], b[9])
	if !ok {
		return nil, &ParseError{Len: len(data), Err: ErrVendor}
	}

	blk := &Block{
		Vendor:       vendor,
		ProductCode:  uint16(b[10]) | uint16(b[11])<<8,
		SerialNumber: uint32(b[12]) | uint32(b[13])<<8 | uint32(b[14])<<16 | uint32(b[15])<<24,
		Week:         int(b[16]),
		Year:         int(b[17]) + 1990,
	}

	for off := 54; off+18 <= 126; off += 18 {
		d := b[off : off+18]
		// pixel clock 0 marks a display descriptor instead of a timing
		if d[0] != 0 || d[1] != 0 || d[2] != 0 {
			continue
		}
		switch d[3] {
		case tagName:
			blk.Name = descriptorText(d[5:])
		case tagSerial:
			blk.Serial = descriptorText(d[5:])
		}
	}
	return blk, nil
}

// decodeVendor unpacks the big-endian 3x5 bit compressed ASCII id.
func decodeVendor(hi, lo byte) (string, bool) {
	v := uint16(hi)<<8 | uint16(lo)
	if v&0x8000 != 0 {
		return "", false
	}
	var id [3]byte
	for i, shift := range []uint{10, 5, 0} {
		c := (v >> shift) & 0x1f
		if c < 1 || c > 26 {
			return "", false
		}
		id[i] = 'A' + byte(c) - 1
	}
	return string(id[:]), true
}

func descriptorText(raw []byte) string {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	s := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, string(raw))
	return strings.TrimSpace(s)
}

// Model is the monitor name descriptor, or the product code when the
// monitor does not report a name.
func (b *Block) Model() string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("0x%04X", b.ProductCode)
}

// Manufacturer resolves the vendor id to a human readable name.
func (b *Block) Manufacturer() string {
	return ManufacturerName(b.Vendor)
}

// ManufacturerName looks code up in the PNP id table. Unknown codes are
// returned verbatim.
func ManufacturerName(code string) string {
	if name, ok := pnpIDs[code]; ok {
		return name
	}
	return code
}
