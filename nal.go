package mp4composer

import "encoding/binary"

var startCode = []byte{0, 0, 0, 1}

// isAnnexB reports whether b begins with a 3 or 4 byte start code.
func isAnnexB(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 &&
		(b[2] == 1 || (len(b) >= 4 && b[2] == 0 && b[3] == 1))
}

// stripStartCode removes a leading start code, if any.
func stripStartCode(b []byte) []byte {
	switch {
	case len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return b[4:]
	case len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return b[3:]
	}
	return b
}

// withStartCode returns a copy of nal prefixed by a 4 byte start code.
func withStartCode(nal []byte) []byte {
	if len(nal) == 0 {
		return nil
	}
	if isAnnexB(nal) {
		return append([]byte(nil), nal...)
	}
	return append(append([]byte(nil), startCode...), nal...)
}

// splitAnnexB splits an Annex-B byte stream into NAL units without their
// start codes.
func splitAnnexB(b []byte) [][]byte {
	var nals [][]byte
	start := -1
	i := 0
	for i+2 < len(b) {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && b[end-1] == 0 {
					end--
				}
				nals = append(nals, b[start:end])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		nals = append(nals, b[start:])
	}
	return nals
}

// annexBToLengthPrefixed converts an Annex-B access unit to the 4 byte
// length-prefixed form stored in MP4 samples. Input that is not Annex-B is
// returned unchanged.
func annexBToLengthPrefixed(b []byte) []byte {
	if !isAnnexB(b) {
		return b
	}
	nals := splitAnnexB(b)
	size := 0
	for _, n := range nals {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nals {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// lengthPrefixedToAnnexB rewrites 4 byte NAL length prefixes into start
// codes in place. It returns false, leaving the buffer untouched, when the
// lengths do not tile the buffer exactly.
func lengthPrefixedToAnnexB(b []byte) bool {
	for pos := 0; pos < len(b); {
		if pos+4 > len(b) {
			return false
		}
		n := int(binary.BigEndian.Uint32(b[pos:]))
		if n < 0 || pos+4+n > len(b) {
			return false
		}
		pos += 4 + n
	}
	for pos := 0; pos < len(b); {
		n := int(binary.BigEndian.Uint32(b[pos:]))
		copy(b[pos:], startCode)
		pos += 4 + n
	}
	return true
}
