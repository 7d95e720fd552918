package kmt

import (
	"encoding/binary"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/internal/jenkins"
	"github.com/wowemulation-dev/ngdp-go/internal/ngdperr"
)

// guardedBlockHeaderSize is the 8-byte {payload_size:u32, jenkins_hash:u32}
// prefix every persistent KMT block carries, per spec.md §4.9.
const guardedBlockHeaderSize = 8

// encodeGuardedBlock wraps payload in the guarded-block envelope every
// persistent KMT block uses: a big-endian payload length, a lookup3 hash
// of the payload, then the payload itself.
func encodeGuardedBlock(payload []byte) []byte {
	out := make([]byte, guardedBlockHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[4:8], jenkins.HashLittle(payload, 0))
	copy(out[guardedBlockHeaderSize:], payload)
	return out
}

// decodeGuardedBlock unwraps one guarded block from the front of data,
// rejecting it if the stored lookup3 hash doesn't match the payload, and
// returns the payload plus whatever bytes followed the block.
func decodeGuardedBlock(data []byte) (payload, rest []byte, err error) {
	if len(data) < guardedBlockHeaderSize {
		return nil, nil, fmt.Errorf("%w: guarded block header", ngdperr.ErrTruncatedData)
	}
	size := binary.BigEndian.Uint32(data[0:4])
	wantHash := binary.BigEndian.Uint32(data[4:8])
	end := guardedBlockHeaderSize + uint64(size)
	if end > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: guarded block payload", ngdperr.ErrTruncatedData)
	}
	payload = data[guardedBlockHeaderSize:end]
	if jenkins.HashLittle(payload, 0) != wantHash {
		return nil, nil, fmt.Errorf("%w: kmt guarded block", ngdperr.ErrChecksumMismatch)
	}
	return payload, data[end:], nil
}
