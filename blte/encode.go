package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"

	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"
)

// EncodeOptions controls Encode's chunking and mode choice.
type EncodeOptions struct {
	// Mode is applied to every chunk. ModeRecursive and ModeEncrypted are
	// not supported by Encode; build nested/encrypted containers by
	// composing Encode calls and crypto.Encrypt* directly.
	Mode Mode
	// ChunkSize splits plaintext into chunks of at most this many bytes
	// before encoding each independently. Zero means a single chunk.
	ChunkSize int
}

// Encode builds a single-block BLTE container (no chunk table) when
// opts.ChunkSize is zero, or a multi-chunk container with a chunk table
// otherwise. This mirrors the two shapes spec.md §4.3 and scenarios S1/S2
// describe.
func Encode(plaintext []byte, opts EncodeOptions) ([]byte, error) {
	if opts.ChunkSize <= 0 {
		return encodeSingle(plaintext, opts.Mode)
	}
	return encodeChunked(plaintext, opts.Mode, opts.ChunkSize)
}

func encodeSingle(plaintext []byte, mode Mode) ([]byte, error) {
	body, err := encodeChunkBody(plaintext, mode)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString(magic)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], 0)
	out.Write(sizeBuf[:])
	out.Write(body)
	return out.Bytes(), nil
}

func encodeChunked(plaintext []byte, mode Mode, chunkSize int) ([]byte, error) {
	var chunks [][]byte
	var plainSizes []int
	for off := 0; off < len(plaintext); off += chunkSize {
		end := off + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		body, err := encodeChunkBody(plaintext[off:end], mode)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, body)
		plainSizes = append(plainSizes, end-off)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, []byte{byte(ModeNone)})
		plainSizes = append(plainSizes, 0)
	}

	headerSize := 4 + 24*len(chunks)

	var out bytes.Buffer
	out.WriteString(magic)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(headerSize))
	out.Write(sizeBuf[:])

	out.WriteByte(0x0F)
	count := len(chunks)
	out.Write([]byte{byte(count >> 16), byte(count >> 8), byte(count)})

	for i, body := range chunks {
		sum := md5.Sum(body)
		var entry [24]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(body)))
		binary.BigEndian.PutUint32(entry[4:8], uint32(plainSizes[i]))
		copy(entry[8:24], sum[:])
		out.Write(entry[:])
	}
	for _, body := range chunks {
		out.Write(body)
	}
	return out.Bytes(), nil
}

// encodeChunkBody produces the mode byte plus encoded payload for one
// chunk's plaintext.
func encodeChunkBody(plaintext []byte, mode Mode) ([]byte, error) {
	var out bytes.Buffer
	out.WriteByte(byte(mode))

	switch mode {
	case ModeNone:
		out.Write(plaintext)

	case ModeDeflate:
		fw, err := flate.NewWriter(&out, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(plaintext); err != nil {
			return nil, err
		}
		if err := fw.Close(); err != nil {
			return nil, err
		}

	case ModeLZ4:
		dstSize := lz4.CompressBlockBound(len(plaintext))
		block := make([]byte, dstSize)
		var c lz4.Compressor
		n, err := c.CompressBlock(plaintext, block)
		if err != nil {
			return nil, err
		}
		if n == 0 && len(plaintext) > 0 {
			// pierrec/lz4 signals incompressible input with a zero count
			// rather than an error; widen the destination once and retry
			// rather than silently emitting a malformed block.
			block = make([]byte, dstSize*2)
			n, err = c.CompressBlock(plaintext, block)
			if err != nil {
				return nil, err
			}
		}
		var sizeBuf [8]byte
		binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(plaintext)))
		out.Write(sizeBuf[:])
		out.Write(block[:n])

	default:
		out.Write(plaintext)
	}
	return out.Bytes(), nil
}
