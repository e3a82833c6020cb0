package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the length of the fixed code+length prefix.
const HeaderSize = 8

var (
	// ErrPayloadTooLarge is returned by EncodeResponse when data does not fit
	// in the 32-bit length field.
	ErrPayloadTooLarge = errors.New("payload exceeds frame length field")

	// ErrFrameTooLarge is returned by DecodeResponseLimit when the announced
	// length exceeds the caller's limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// maxPayload is a variable so tests can exercise the overflow check without
// allocating 4 GiB.
var maxPayload uint64 = math.MaxUint32

// EncodeResponse writes resp to w as a single frame.
func EncodeResponse(w io.Writer, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("encode response: nil response")
	}
	if !resp.Code.Valid() {
		return fmt.Errorf("encode response: %w: %d", ErrUnknownCode, uint32(resp.Code))
	}
	if uint64(len(resp.Data)) > maxPayload {
		return fmt.Errorf("encode response: %w (%d bytes)", ErrPayloadTooLarge, len(resp.Data))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(resp.Code))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(resp.Data)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	if _, err := w.Write(resp.Data); err != nil {
		return fmt.Errorf("write frame data: %w", err)
	}
	return nil
}

// DecodeResponse reads exactly one frame from r.
func DecodeResponse(r io.Reader) (*Response, error) {
	return DecodeResponseLimit(r, 0)
}

// DecodeResponseLimit reads exactly one frame from r, refusing frames whose
// announced length exceeds limit. A limit of 0 disables the check.
//
// The code is validated before the payload is read, so an unknown code fails
// without consuming the rest of the frame.
func DecodeResponseLimit(r io.Reader, limit uint32) (*Response, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	code, err := ParseCode(binary.BigEndian.Uint32(header[0:4]))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	length := binary.BigEndian.Uint32(header[4:8])
	if limit > 0 && length > limit {
		return nil, fmt.Errorf("decode frame: %w (%d > %d bytes)", ErrFrameTooLarge, length, limit)
	}

	// Grow as bytes arrive instead of trusting the length field for the
	// allocation size.
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, int64(length))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame data (%d of %d bytes): %w", n, length, err)
	}

	return &Response{Code: code, Data: buf.Bytes()}, nil
}
