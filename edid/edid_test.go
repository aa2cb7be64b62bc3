package edid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// block builds a valid base block for vendor/product with an optional
// monitor name descriptor in the second descriptor slot.
func block(vendor string, product uint16, name string) []byte {
	b := make([]byte, BlockSize)
	copy(b, header)
	v := uint16(vendor[0]-'A'+1)<<10 | uint16(vendor[1]-'A'+1)<<5 | uint16(vendor[2]-'A'+1)
	b[8], b[9] = byte(v>>8), byte(v)
	b[10], b[11] = byte(product), byte(product>>8)
	b[12], b[13], b[14], b[15] = 0x78, 0x56, 0x34, 0x12
	b[16], b[17] = 12, 31

	// first descriptor is a detailed timing
	b[54], b[55] = 0x02, 0x3a

	if name != "" {
		d := b[72:90]
		d[3] = tagName
		text := []byte(name + "\n")
		for i := range d[5:] {
			d[5+i] = ' '
		}
		copy(d[5:], text)
	}

	d := b[90:108]
	d[3] = tagSerial
	copy(d[5:], "SN123\n       ")

	fixChecksum(b)
	return b
}

func fixChecksum(b []byte) {
	var sum byte
	for _, v := range b[:BlockSize-1] {
		sum += v
	}
	b[BlockSize-1] = -sum
}

func TestParseRoundTrip(t *testing.T) {
	blk, err := Parse(block("DEL", 0xa0b1, "DELL U2720Q"))
	require.NoError(t, err)

	assert.Equal(t, "DEL", blk.Vendor)
	assert.Equal(t, uint16(0xa0b1), blk.ProductCode)
	assert.Equal(t, uint32(0x12345678), blk.SerialNumber)
	assert.Equal(t, 2021, blk.Year)
	assert.Equal(t, "DELL U2720Q", blk.Name)
	assert.Equal(t, "SN123", blk.Serial)
	assert.Equal(t, "DELL U2720Q", blk.Model())
	assert.Equal(t, "Dell Inc.", blk.Manufacturer())
}

func TestParseAcceptsExtensionBlocks(t *testing.T) {
	data := append(block("SAM", 1, "S27"), make([]byte, BlockSize)...)
	blk, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "Samsung Electric Company", blk.Manufacturer())
}

func TestModelFallsBackToProductCode(t *testing.T) {
	blk, err := Parse(block("AUO", 0x123d, ""))
	require.NoError(t, err)
	assert.Equal(t, "0x123D", blk.Model())
}

func TestUnknownVendorRendersCode(t *testing.T) {
	blk, err := Parse(block("ZZZ", 7, "Panel"))
	require.NoError(t, err)
	assert.Equal(t, "ZZZ", blk.Manufacturer())
}

func TestParseMalformed(t *testing.T) {
	good := block("GSM", 0x5b09, "LG ULTRAFINE")

	badHeader := append([]byte(nil), good...)
	badHeader[0] = 0x01
	fixChecksum(badHeader)

	badSum := append([]byte(nil), good...)
	badSum[20] ^= 0xff

	badVendor := append([]byte(nil), good...)
	badVendor[8], badVendor[9] = 0, 0
	fixChecksum(badVendor)

	cases := []struct {
		name string
		data []byte
		err  error
	}{
		{"nil", nil, ErrShort},
		{"truncated", good[:127], ErrShort},
		{"header", badHeader, ErrHeader},
		{"checksum", badSum, ErrChecksum},
		{"vendor", badVendor, ErrVendor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blk, err := Parse(tc.data)
			assert.Nil(t, blk)
			assert.ErrorIs(t, err, tc.err)

			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestParseNeverPanics(t *testing.T) {
	good := block("PHL", 0xc0c2, "PHL 276E8V")
	for i := 0; i < len(good); i++ {
		data := append([]byte(nil), good...)
		data[i] ^= 0xa5
		assert.NotPanics(t, func() { Parse(data) })
		assert.NotPanics(t, func() { Parse(data[:i]) })
	}
}

func TestDescriptorTextStripsControlBytes(t *testing.T) {
	assert.Equal(t, "ABC", descriptorText([]byte{'A', 0x01, 'B', 'C', '\n', 'x'}))
	assert.Equal(t, "", descriptorText([]byte("   \n")))
}
