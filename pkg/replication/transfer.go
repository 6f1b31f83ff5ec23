package replication

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// CompressionTag identifies the compression algorithm of a diff
// payload. The values are wire constants.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

func ParseCompressionTag(s string) (CompressionTag, error) {
	switch s {
	case "", "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// Changes is the incremental difference between two snapshots of a
// dataset. Applying it on top of the parent state yields the child
// state.
type Changes struct {
	Put    map[string][]byte `cbor:"put,omitempty"`
	Delete []string          `cbor:"delete,omitempty"`
}

// DiffHeader precedes every diff payload. PayloadChecksum covers the
// compressed payload bytes so transfer corruption is caught before
// decompression; the snapshot's own checksum is verified against the
// reconstructed dataset state by the sink.
type DiffHeader struct {
	Snapshot        Snapshot       `cbor:"snapshot"`
	Compression     CompressionTag `cbor:"compression"`
	PayloadSize     int64          `cbor:"payloadSize"`
	PayloadChecksum Checksum       `cbor:"payloadChecksum"`
}

// WriteDiff encodes a diff as a CBOR header followed by the compressed
// payload and returns the number of payload bytes written on the wire.
func WriteDiff(w io.Writer, snapshot Snapshot, changes Changes, tag CompressionTag) (int64, error) {
	payload, err := cborMarshal(changes)
	if err != nil {
		return 0, fmt.Errorf("cannot encode changes: %w", err)
	}

	compressed, tag, err := compress(payload, tag)
	if err != nil {
		return 0, fmt.Errorf("cannot compress payload: %w", err)
	}

	header := DiffHeader{
		Snapshot:        snapshot,
		Compression:     tag,
		PayloadSize:     int64(len(payload)),
		PayloadChecksum: blake3.Sum256(compressed),
	}

	encoder := cborEncoder(w)

	if err := encoder.Encode(&header); err != nil {
		return 0, fmt.Errorf("cannot encode header: %w", err)
	}

	if err := encoder.Encode(compressed); err != nil {
		return 0, fmt.Errorf("cannot encode payload: %w", err)
	}

	return int64(len(compressed)), nil
}

// ReadDiff decodes a diff produced by WriteDiff, verifying the payload
// checksum before decompression. Nothing is applied here; the caller
// owns atomicity.
func ReadDiff(r io.Reader) (Snapshot, Changes, error) {
	var header DiffHeader
	var changes Changes

	decoder := cborDecoder(r)

	if err := decoder.Decode(&header); err != nil {
		return Snapshot{}, changes,
			fmt.Errorf("cannot decode header: %w", err)
	}

	var compressed []byte
	if err := decoder.Decode(&compressed); err != nil {
		return Snapshot{}, changes,
			fmt.Errorf("cannot decode payload: %w", err)
	}

	if checksum := blake3.Sum256(compressed); checksum != [32]byte(header.PayloadChecksum) {
		return Snapshot{}, changes,
			fmt.Errorf("payload checksum mismatch")
	}

	payload, err := decompress(compressed, header.Compression,
		header.PayloadSize)
	if err != nil {
		return Snapshot{}, changes,
			fmt.Errorf("cannot decompress payload: %w", err)
	}

	if err := cborUnmarshal(payload, &changes); err != nil {
		return Snapshot{}, changes,
			fmt.Errorf("cannot decode changes: %w", err)
	}

	return header.Snapshot, changes, nil
}

func compress(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))

		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, buf)
		if err != nil {
			return nil, 0, err
		}

		if n == 0 || n >= len(data) {
			// Incompressible data; send it as is.
			return data, CompressionNone, nil
		}

		return buf[:n], CompressionLZ4, nil

	case CompressionZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, 0, err
		}
		defer encoder.Close()

		return encoder.EncodeAll(data, nil), CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unknown compression tag %d", tag)
	}
}

func decompress(data []byte, tag CompressionTag, size int64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		buf := make([]byte, size)

		n, err := lz4.UncompressBlock(data, buf)
		if err != nil {
			return nil, err
		}

		return buf[:n], nil

	case CompressionZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()

		return decoder.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}
