// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	OpRead  = "read"
	OpWrite = "write"

	// MaxFetchSize bounds the whole-file read issued when a path is opened.
	MaxFetchSize = 1024 * 1024

	headerLenSize = 4
)

// Request is one of ReadRequest or WriteRequest.
type Request interface {
	RequestID() string
	Operation() string
	RemotePath() string

	// Payload returns the raw bytes that trail the header on the wire.
	Payload() []byte

	isRequest()
}

// ReadRequest asks the peer for up to Size bytes of Path starting at Offset.
type ReadRequest struct {
	ID     string `json:"id" jsonschema:"title=id,description=Random request identifier echoed in the response"`
	Path   string `json:"path" jsonschema:"title=path,description=Path requested by the tracee"`
	Size   int    `json:"size" jsonschema:"title=size,description=Maximum number of bytes to return"`
	Offset int64  `json:"offset" jsonschema:"title=offset,description=Byte offset to start reading from"`
}

// WriteRequest stores Data at Offset of Path. With Truncate set the peer
// replaces the whole file with Data. The bytes travel both inline in the
// header, as a "data" array of byte values, and as the frame payload.
type WriteRequest struct {
	ID       string `json:"id" jsonschema:"title=id,description=Random request identifier echoed in the response"`
	Path     string `json:"path" jsonschema:"title=path,description=Path written by the tracee"`
	Offset   int64  `json:"offset" jsonschema:"title=offset,description=Byte offset the data starts at"`
	Truncate bool   `json:"truncate" jsonschema:"title=truncate,description=Replace the whole file with the payload"`
	Size     int    `json:"size" jsonschema:"title=size,description=Length of the trailing payload"`
	Data     []byte `json:"-"`
}

// NewReadRequest returns a ReadRequest with a fresh identifier.
func NewReadRequest(path string, size int, offset int64) *ReadRequest {
	return &ReadRequest{ID: uuid.NewString(), Path: path, Size: size, Offset: offset}
}

// NewWriteRequest returns a whole-file WriteRequest with a fresh identifier.
func NewWriteRequest(path string, data []byte) *WriteRequest {
	return &WriteRequest{ID: uuid.NewString(), Path: path, Truncate: true, Size: len(data), Data: data}
}

func (r *ReadRequest) RequestID() string  { return r.ID }
func (r *ReadRequest) Operation() string  { return OpRead }
func (r *ReadRequest) RemotePath() string { return r.Path }
func (r *ReadRequest) Payload() []byte    { return nil }
func (r *ReadRequest) isRequest()         {}

func (r *ReadRequest) MarshalJSON() ([]byte, error) {
	type header ReadRequest
	return json.Marshal(struct {
		Operation string `json:"operation"`
		*header
	}{OpRead, (*header)(r)})
}

func (r *WriteRequest) RequestID() string  { return r.ID }
func (r *WriteRequest) Operation() string  { return OpWrite }
func (r *WriteRequest) RemotePath() string { return r.Path }
func (r *WriteRequest) Payload() []byte    { return r.Data }
func (r *WriteRequest) isRequest()         {}

func (r *WriteRequest) MarshalJSON() ([]byte, error) {
	type header WriteRequest
	h := header(*r)
	h.Size = len(r.Data)
	return json.Marshal(struct {
		Operation string `json:"operation"`
		*header
		Data byteArray `json:"data"`
	}{OpWrite, &h, byteArray(r.Data)})
}

// byteArray encodes bytes as a JSON array of numbers instead of base64.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	values := make([]uint16, len(b))
	for i, c := range b {
		values[i] = uint16(c)
	}
	return json.Marshal(values)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}

	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Response answers exactly one Request. Data holds the trailing payload,
// the file content for a successful read.
type Response struct {
	ID           string `json:"id" jsonschema:"title=id,description=Identifier of the request being answered"`
	Success      bool   `json:"success" jsonschema:"title=success"`
	FD           *int   `json:"fd,omitempty" jsonschema:"title=fd"`
	BytesRead    *int   `json:"bytes_read,omitempty" jsonschema:"title=bytes_read"`
	BytesWritten *int   `json:"bytes_written,omitempty" jsonschema:"title=bytes_written"`
	Position     *int64 `json:"position,omitempty" jsonschema:"title=position"`
	Error        string `json:"error,omitempty" jsonschema:"title=error,description=Human readable failure reason"`
	Data         []byte `json:"-"`
}

// EncodeRequest builds the binary frame for req.
func EncodeRequest(req Request) ([]byte, error) {
	return encodeFrame(req, req.Payload())
}

// DecodeRequest parses a request frame. It is used by peers.
func DecodeRequest(frame []byte) (Request, error) {
	header, payload, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}

	var tagged struct {
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(header, &tagged); err != nil {
		return nil, fmt.Errorf("decode request header: %w", err)
	}

	switch tagged.Operation {
	case OpRead:
		req := &ReadRequest{}
		if err := json.Unmarshal(header, req); err != nil {
			return nil, fmt.Errorf("decode read request: %w", err)
		}
		return req, nil
	case OpWrite:
		req := &WriteRequest{}
		if err := json.Unmarshal(header, req); err != nil {
			return nil, fmt.Errorf("decode write request: %w", err)
		}

		var inline struct {
			Data byteArray `json:"data"`
		}
		if err := json.Unmarshal(header, &inline); err != nil {
			return nil, fmt.Errorf("decode write request data: %w", err)
		}

		switch {
		case len(payload) > 0:
			req.Data = append([]byte(nil), payload...)
		case len(inline.Data) > 0:
			req.Data = []byte(inline.Data)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, tagged.Operation)
	}
}

// EncodeResponse builds the binary frame for resp, with resp.Data as payload.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encodeFrame(resp, resp.Data)
}

// DecodeResponse parses a response frame.
func DecodeResponse(frame []byte) (*Response, error) {
	header, payload, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	if err := json.Unmarshal(header, resp); err != nil {
		return nil, fmt.Errorf("decode response header: %w", err)
	}
	if len(payload) > 0 {
		resp.Data = append([]byte(nil), payload...)
	}
	return resp, nil
}

// Frame layout: [u32 little endian header length][JSON header][raw payload]
func encodeFrame(header any, payload []byte) ([]byte, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	frame := make([]byte, headerLenSize, headerLenSize+len(h)+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(h)))
	frame = append(frame, h...)
	frame = append(frame, payload...)
	return frame, nil
}

func splitFrame(frame []byte) (header, payload []byte, err error) {
	if len(frame) < headerLenSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d for the header length", ErrShortFrame, len(frame), headerLenSize)
	}

	n := uint64(binary.LittleEndian.Uint32(frame))
	if uint64(len(frame)-headerLenSize) < n {
		return nil, nil, fmt.Errorf("%w: %d bytes, header claims %d", ErrShortFrame, len(frame), headerLenSize+n)
	}

	return frame[headerLenSize : headerLenSize+n], frame[headerLenSize+n:], nil
}
