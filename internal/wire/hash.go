package wire

import "hash/crc32"

// crc32Checksum is split out from HashKey so tests can pin the exact
// algorithm spec.md names (CRC32 of the key's hash) independent of the
// modulo step.
func crc32Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
