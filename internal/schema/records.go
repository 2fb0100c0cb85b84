package schema

import (
	"encoding/binary"
	"errors"
)

// Wire encodings for the three structured schemas (file.metadata,
// compute.request, compute.result). spec.md leaves the exact byte
// layout of these payloads unspecified ("parses as a ... record");
// this package fixes one, following internal/wire's discipline of
// explicit encoding/binary framing over fixed and length-prefixed
// fields rather than a self-describing format, since these payloads
// travel inside an already-framed chunk.

var errTruncated = errors.New("schema: payload truncated")

// MarshalFileMetadata encodes a FileMetadata record.
func MarshalFileMetadata(m FileMetadata) []byte {
	buf := make([]byte, 0, 2+len(m.Filename)+8+2+32*len(m.ChunkHashes))

	buf = appendUint16Prefixed(buf, []byte(m.Filename))

	var totalBytes [8]byte
	binary.BigEndian.PutUint64(totalBytes[:], m.TotalBytes)
	buf = append(buf, totalBytes[:]...)

	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(m.ChunkHashes)))
	buf = append(buf, count[:]...)

	for _, h := range m.ChunkHashes {
		buf = append(buf, h[:]...)
	}

	return buf
}

// ParseFileMetadata decodes and validates a FileMetadata record.
func ParseFileMetadata(payload []byte) (FileMetadata, error) {
	filename, rest, err := readUint16Prefixed(payload)
	if err != nil {
		return FileMetadata{}, err
	}

	if len(rest) < 10 {
		return FileMetadata{}, errTruncated
	}
	totalBytes := binary.BigEndian.Uint64(rest[0:8])
	count := binary.BigEndian.Uint16(rest[8:10])
	rest = rest[10:]

	if len(rest) != int(count)*32 {
		return FileMetadata{}, errTruncated
	}

	hashes := make([][32]byte, count)
	for i := 0; i < int(count); i++ {
		copy(hashes[i][:], rest[i*32:(i+1)*32])
	}

	return FileMetadata{
		Filename:    string(filename),
		TotalBytes:  totalBytes,
		ChunkHashes: hashes,
	}, nil
}

// MarshalComputeRequest encodes a ComputeRequest record.
func MarshalComputeRequest(r ComputeRequest) []byte {
	buf := make([]byte, 0, 16+2+len(r.Command)+len(r.Args))
	buf = append(buf, r.TaskID[:]...)
	buf = appendUint16Prefixed(buf, []byte(r.Command))
	buf = append(buf, r.Args...)
	return buf
}

// ParseComputeRequest decodes and validates a ComputeRequest record.
func ParseComputeRequest(payload []byte) (ComputeRequest, error) {
	if len(payload) < 16 {
		return ComputeRequest{}, errTruncated
	}

	var r ComputeRequest
	copy(r.TaskID[:], payload[:16])

	command, rest, err := readUint16Prefixed(payload[16:])
	if err != nil {
		return ComputeRequest{}, err
	}
	r.Command = string(command)
	r.Args = append([]byte{}, rest...)

	return r, nil
}

// MarshalComputeResult encodes a ComputeResult record.
func MarshalComputeResult(r ComputeResult) []byte {
	buf := make([]byte, 0, 16+4+len(r.Output))
	buf = append(buf, r.TaskID[:]...)

	var exit [4]byte
	binary.BigEndian.PutUint32(exit[:], uint32(r.ExitCode))
	buf = append(buf, exit[:]...)

	buf = append(buf, r.Output...)
	return buf
}

// ParseComputeResult decodes and validates a ComputeResult record.
func ParseComputeResult(payload []byte) (ComputeResult, error) {
	if len(payload) < 20 {
		return ComputeResult{}, errTruncated
	}

	var r ComputeResult
	copy(r.TaskID[:], payload[:16])
	r.ExitCode = int32(binary.BigEndian.Uint32(payload[16:20]))
	r.Output = append([]byte{}, payload[20:]...)

	return r, nil
}

func appendUint16Prefixed(buf, data []byte) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(data)))
	buf = append(buf, length[:]...)
	return append(buf, data...)
}

func readUint16Prefixed(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, errTruncated
	}
	n := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]
	if len(buf) < int(n) {
		return nil, nil, errTruncated
	}
	return buf[:n], buf[n:], nil
}
