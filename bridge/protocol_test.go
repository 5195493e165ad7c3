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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestFrame(t *testing.T) {
	req := NewReadRequest("/test/file.txt", MaxFetchSize, 0)
	require.NotEmpty(t, req.ID)

	frame, err := EncodeRequest(req)
	require.NoError(t, err)

	headerLen := binary.LittleEndian.Uint32(frame)
	assert.Equal(t, len(frame)-headerLenSize, int(headerLen), "read requests carry no payload")

	var header map[string]any
	require.NoError(t, json.Unmarshal(frame[headerLenSize:], &header))
	assert.Equal(t, "read", header["operation"])
	assert.Equal(t, req.ID, header["id"])
	assert.Equal(t, "/test/file.txt", header["path"])
	assert.EqualValues(t, MaxFetchSize, header["size"])
	assert.EqualValues(t, 0, header["offset"])

	decoded, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestWriteRequestFrame(t *testing.T) {
	data := []byte("Hello, this is a test write!\n")
	req := NewWriteRequest("/test/write_test.txt", data)

	frame, err := EncodeRequest(req)
	require.NoError(t, err)

	headerLen := binary.LittleEndian.Uint32(frame)
	header := frame[headerLenSize : headerLenSize+headerLen]
	assert.Equal(t, data, frame[headerLenSize+headerLen:])

	var fields struct {
		Operation string `json:"operation"`
		Path      string `json:"path"`
		Offset    int64  `json:"offset"`
		Truncate  bool   `json:"truncate"`
		Size      int    `json:"size"`
		Data      []int  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(header, &fields))
	assert.Equal(t, "write", fields.Operation)
	assert.Equal(t, "/test/write_test.txt", fields.Path)
	assert.True(t, fields.Truncate)
	assert.Equal(t, len(data), fields.Size)
	require.Len(t, fields.Data, len(data))
	for i, b := range data {
		assert.Equal(t, int(b), fields.Data[i])
	}

	decoded, err := DecodeRequest(frame)
	require.NoError(t, err)
	w, ok := decoded.(*WriteRequest)
	require.True(t, ok)
	assert.Equal(t, req.ID, w.ID)
	assert.Equal(t, data, w.Data)
	assert.True(t, w.Truncate)
}

func TestWriteRequestInlineData(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []byte
	}{
		{
			name:   "inline only",
			header: `{"operation":"write","id":"1","path":"/test/a","offset":0,"data":[72,105]}`,
			want:   []byte("Hi"),
		},
		{
			name:   "empty",
			header: `{"operation":"write","id":"1","path":"/test/a","offset":0,"data":[]}`,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := encodeFrame(json.RawMessage(tt.header), nil)
			require.NoError(t, err)

			decoded, err := DecodeRequest(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decoded.(*WriteRequest).Data)
		})
	}

	t.Run("payload wins", func(t *testing.T) {
		frame, err := encodeFrame(json.RawMessage(`{"operation":"write","id":"1","path":"/test/a","data":[1]}`), []byte("payload"))
		require.NoError(t, err)

		decoded, err := DecodeRequest(frame)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), decoded.(*WriteRequest).Data)
	})

	t.Run("out of range", func(t *testing.T) {
		frame, err := encodeFrame(json.RawMessage(`{"operation":"write","id":"1","path":"/test/a","data":[256]}`), nil)
		require.NoError(t, err)

		_, err = DecodeRequest(frame)
		assert.Error(t, err)
	})
}

func TestResponseFrame(t *testing.T) {
	n := 11
	resp := &Response{ID: "abc", Success: true, BytesRead: &n, Data: []byte("hello world")}

	frame, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
	assert.Nil(t, decoded.BytesWritten)
	assert.Nil(t, decoded.FD)
}

func TestResponseWithoutPayload(t *testing.T) {
	frame, err := EncodeResponse(&Response{ID: "abc", Error: "File not found: /x"})
	require.NoError(t, err)

	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.False(t, decoded.Success)
	assert.Equal(t, "File not found: /x", decoded.Error)
	assert.Nil(t, decoded.Data)
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "empty", frame: nil, want: ErrShortFrame},
		{name: "partial length", frame: []byte{1, 0}, want: ErrShortFrame},
		{name: "header longer than frame", frame: []byte{10, 0, 0, 0, '{', '}'}, want: ErrShortFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(tt.frame)
			assert.ErrorIs(t, err, tt.want)
			_, err = DecodeRequest(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnknownOperation(t *testing.T) {
	frame, err := encodeFrame(map[string]string{"operation": "stat", "id": "1"}, nil)
	require.NoError(t, err)

	_, err = DecodeRequest(frame)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestInvalidHeaderJSON(t *testing.T) {
	frame := []byte{3, 0, 0, 0, 'n', 'o', 'p'}
	_, err := DecodeResponse(frame)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrShortFrame)
}

func TestSchemas(t *testing.T) {
	schemas := Schemas()
	require.Len(t, schemas, 3)

	read := schemas[0].Schema
	op, ok := read.Properties.Get("operation")
	require.True(t, ok)
	assert.Equal(t, OpRead, op.Const)
	assert.Contains(t, read.Required, "operation")

	data, ok := schemas[1].Schema.Properties.Get("data")
	require.True(t, ok)
	assert.Equal(t, "array", data.Type)
	assert.Contains(t, schemas[1].Schema.Required, "data")

	_, ok = schemas[2].Schema.Properties.Get("bytes_read")
	assert.True(t, ok)
}
