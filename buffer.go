// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import "encoding/binary"

// DataWrite copies src into packet RAM starting at byte offset dstOffset.
// The controller only honours 32-bit word accesses to packet RAM, so writes
// always round up to the next word; any trailing padding bytes are harmless
// since the hardware never reads past the BD's own length field.
func (c *Core) DataWrite(dstOffset int, src []byte) {
	word := dstOffset / 4
	i := 0

	for i < len(src) {
		var b [4]byte
		n := copy(b[:], src[i:])
		c.bk.WriteRAMWord(word, binary.LittleEndian.Uint32(b[:]))
		word++
		i += n
	}
}

// DataRead copies len bytes from packet RAM starting at byte offset
// srcOffset into dst. Unlike DataWrite this must not read a whole extra word
// when len is not a multiple of 4: only the requested bytes are assembled,
// by shifting them out of the final word read.
func (c *Core) DataRead(dst []byte, srcOffset int, length int) {
	word := srcOffset / 4
	i := 0

	for i+4 <= length {
		v := c.bk.ReadRAMWord(word)
		binary.LittleEndian.PutUint32(dst[i:i+4], v)
		word++
		i += 4
	}

	if tail := length - i; tail > 0 {
		v := c.bk.ReadRAMWord(word)

		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)

		copy(dst[i:length], b[:tail])
	}
}
