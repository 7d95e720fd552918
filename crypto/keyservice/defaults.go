package keyservice

// defaultKeys seeds the service with the key names spec.md §8 scenario S3
// exercises, plus one other publicly documented NGDP key. This is
// a starting set, not an exhaustive one: LoadFile/LoadWellKnown are the
// supported way to add the rest.
var defaultKeys = map[uint64][16]byte{
	0xFA505078126ACB3E: {
		0xBD, 0xC5, 0x18, 0x62, 0xAB, 0xED, 0x79, 0xB2,
		0xDE, 0x48, 0xC8, 0x53, 0x17, 0x7C, 0xC8, 0xFF,
	},
	0xFF813F7D062AC0BC: {
		0x53, 0x6E, 0x5A, 0x24, 0xBC, 0x31, 0x4B, 0x6A,
		0xEF, 0x65, 0xFF, 0xBA, 0x45, 0x12, 0x8F, 0xD4,
	},
}
