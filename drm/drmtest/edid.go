package drmtest

// EDID builds a checksummed 128 byte base block with a monitor name
// descriptor.
func EDID(vendor string, product uint16, name string) []byte {
	b := make([]byte, 128)
	copy(b, []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
	v := uint16(vendor[0]-'A'+1)<<10 | uint16(vendor[1]-'A'+1)<<5 | uint16(vendor[2]-'A'+1)
	b[8], b[9] = byte(v>>8), byte(v)
	b[10], b[11] = byte(product), byte(product>>8)

	d := b[54:72]
	d[3] = 0xfc
	for i := 5; i < 18; i++ {
		d[i] = ' '
	}
	copy(d[5:], name+"\n")

	var sum byte
	for _, c := range b[:127] {
		sum += c
	}
	b[127] = -sum
	return b
}
