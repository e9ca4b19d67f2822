// Package sniparse extracts the Server Name Indication hostname from a
// partially buffered TLS ClientHello record. It never inspects anything
// past the SNI extension and never decrypts: everything here operates on
// the plaintext prefix a TLS handshake sends before any key exchange.
package sniparse

import "encoding/binary"

// Fixed offsets and sizes in a ClientHello, per RFC 8446 §5.1 (record
// layer) and §4.1.2 (ClientHello).
const (
	recordHeaderSize       = 5
	handshakeTypeClientHlo = 0x01
	recordTypeHandshake    = 0x16

	// Prefix before the variable-length fields: 1 (handshake type) +
	// 3 (handshake length) + 2 (client_version) + 32 (random).
	fixedHandshakePrefix = 1 + 3 + 2 + 32

	extensionTypeSNI = 0x0000
	nameTypeHost     = 0x00

	// MaxPreread is the hard cap on how many bytes of a ClientHello this
	// package (and the caller's preread buffer) will ever hold.
	MaxPreread = 16 * 1024
)

// ProbeStatus is the result of inspecting the outer TLS record header.
type ProbeStatus int

const (
	// Incomplete means buf doesn't yet contain the full outer record;
	// the caller should read more bytes and probe again.
	Incomplete ProbeStatus = iota
	// NotTLS means the first byte isn't the TLS handshake content type.
	NotTLS
	// Complete means buf contains at least one full TLS record; RecordLen
	// is its total length (header included).
	Complete
)

// Probe examines the outer TLS record header in buf and reports whether a
// full record is present yet. It never looks past the first 5 bytes plus
// whatever record_len declares.
func Probe(buf []byte) (status ProbeStatus, recordLen int) {
	if len(buf) < recordHeaderSize {
		return Incomplete, 0
	}
	if buf[0] != recordTypeHandshake {
		return NotTLS, 0
	}
	length := int(binary.BigEndian.Uint16(buf[3:5]))
	total := length + recordHeaderSize
	if len(buf) < total {
		return Incomplete, 0
	}
	return Complete, total
}

// Parse walks a ClientHello contained in buf (which must already satisfy
// Probe's Complete condition) and returns the server_name value of the
// first host_name SNI entry. It returns ("", false) on any malformed
// field, truncated extension, non-host_name first entry, or absence of an
// SNI extension altogether; the caller cannot distinguish those cases.
func Parse(buf []byte) (string, bool) {
	if len(buf) < recordHeaderSize+1 || buf[recordHeaderSize] != handshakeTypeClientHlo {
		return "", false
	}

	pos := recordHeaderSize + fixedHandshakePrefix
	if pos > len(buf) {
		return "", false
	}

	// session_id
	var ok bool
	pos, ok = skipLenPrefixed(buf, pos, 1)
	if !ok {
		return "", false
	}

	// cipher_suites
	pos, ok = skipLenPrefixed(buf, pos, 2)
	if !ok {
		return "", false
	}

	// compression_methods
	pos, ok = skipLenPrefixed(buf, pos, 1)
	if !ok {
		return "", false
	}

	// extensions
	if pos+2 > len(buf) {
		return "", false
	}
	extLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	extEnd := pos + extLen
	if extEnd > len(buf) {
		return "", false
	}

	for pos+4 <= extEnd {
		extType := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		entryLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		pos += 4
		if pos+entryLen > extEnd {
			return "", false
		}

		if extType == extensionTypeSNI {
			return parseServerNameExtension(buf[pos : pos+entryLen])
		}
		pos += entryLen
	}

	return "", false
}

// parseServerNameExtension reads the server_name_list inside an SNI
// extension body and returns the first host_name entry.
func parseServerNameExtension(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if 2+listLen > len(data) {
		return "", false
	}
	list := data[2 : 2+listLen]

	if len(list) < 3 {
		return "", false
	}
	nameType := list[0]
	nameLen := int(binary.BigEndian.Uint16(list[1:3]))
	if nameType != nameTypeHost {
		// The current design parses only the first entry, matching
		// real clients that send exactly one.
		return "", false
	}
	if 3+nameLen > len(list) {
		return "", false
	}
	if nameLen == 0 {
		return "", false
	}
	return string(list[3 : 3+nameLen]), true
}

// skipLenPrefixed reads a length field of lenBytes (1 or 2 bytes, big
// endian) at pos, then returns the position just past the length-prefixed
// payload it declares. Returns ok=false if either the length field or the
// payload it names would run past buf.
func skipLenPrefixed(buf []byte, pos, lenBytes int) (int, bool) {
	if pos+lenBytes > len(buf) {
		return 0, false
	}
	var n int
	if lenBytes == 1 {
		n = int(buf[pos])
	} else {
		n = int(binary.BigEndian.Uint16(buf[pos : pos+lenBytes]))
	}
	pos += lenBytes
	if pos+n > len(buf) {
		return 0, false
	}
	return pos + n, true
}
