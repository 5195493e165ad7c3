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

package tracee

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// WordSize is the granularity of a single peek or poke.
	WordSize = 8

	// MaxStringLength bounds ReadString.
	MaxStringLength = 4096

	// MaxBufferSize bounds ReadBytes and WriteBytes.
	MaxBufferSize = 1024 * 1024
)

// wordIO moves one machine word between the tracer and the tracee.
type wordIO interface {
	peekWord(addr uintptr) (uint64, error)
	pokeWord(addr uintptr, word uint64) error
}

// Memory reads and writes a stopped tracee's address space one word at a time.
type Memory struct {
	pid int
	io  wordIO
}

// ReadWord returns the word stored at addr.
func (m *Memory) ReadWord(addr uintptr) (uint64, error) {
	if addr == 0 {
		return 0, &Error{Op: "read word", PID: m.pid, Err: ErrInvalidAddress}
	}

	word, err := m.io.peekWord(addr)
	if err != nil {
		return 0, &Error{Op: "read word", PID: m.pid, Addr: addr, Err: fmt.Errorf("%w: %w", ErrMemoryRead, err)}
	}
	return word, nil
}

// ReadString reads a NUL terminated string of at most maxLen bytes starting
// at addr. A maxLen of zero or less means MaxStringLength. Invalid UTF-8 is
// replaced rather than rejected.
func (m *Memory) ReadString(addr uintptr, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = MaxStringLength
	}

	result := make([]byte, 0, 64)
	current := addr
	maxWords := maxLen/WordSize + 1

	for i := 0; i < maxWords; i++ {
		word, err := m.ReadWord(current)
		if err != nil {
			return "", err
		}

		for b := 0; b < WordSize; b++ {
			c := byte(word >> (b * 8))
			if c == 0 {
				return strings.ToValidUTF8(string(result), "�"), nil
			}
			if len(result) >= maxLen {
				return "", &Error{Op: "read string", PID: m.pid, Addr: addr, Err: ErrStringTooLong}
			}
			result = append(result, c)
		}

		if current, err = m.next(current); err != nil {
			return "", err
		}
	}

	return "", &Error{Op: "read string", PID: m.pid, Addr: addr, Err: ErrStringTooLong}
}

// ReadBytes copies count bytes out of the tracee starting at addr.
func (m *Memory) ReadBytes(addr uintptr, count int) ([]byte, error) {
	if addr == 0 {
		return nil, &Error{Op: "read bytes", PID: m.pid, Err: ErrInvalidAddress}
	}
	if count < 0 {
		return nil, &Error{Op: "read bytes", PID: m.pid, Addr: addr, Err: ErrNegativeCount}
	}
	if count > MaxBufferSize {
		return nil, &Error{Op: "read bytes", PID: m.pid, Addr: addr, Err: ErrBufferTooLarge}
	}

	result := make([]byte, 0, count)
	current := addr
	var buf [WordSize]byte

	for remaining := count; remaining > 0; {
		word, err := m.ReadWord(current)
		if err != nil {
			return nil, err
		}

		binary.LittleEndian.PutUint64(buf[:], word)
		n := min(remaining, WordSize)
		result = append(result, buf[:n]...)
		remaining -= n

		if remaining > 0 {
			if current, err = m.next(current); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// WriteBytes copies data into the tracee starting at addr. The final partial
// word keeps the tracee's existing trailing bytes when they can be read and
// is zero padded otherwise.
func (m *Memory) WriteBytes(addr uintptr, data []byte) error {
	if addr == 0 {
		return &Error{Op: "write bytes", PID: m.pid, Err: ErrInvalidAddress}
	}
	if len(data) > MaxBufferSize {
		return &Error{Op: "write bytes", PID: m.pid, Addr: addr, Err: ErrBufferTooLarge}
	}

	current := addr
	var buf [WordSize]byte

	for off := 0; off < len(data); off += WordSize {
		chunk := data[off:min(off+WordSize, len(data))]

		clear(buf[:])
		if len(chunk) < WordSize {
			if existing, err := m.io.peekWord(current); err == nil {
				binary.LittleEndian.PutUint64(buf[:], existing)
			}
		}
		copy(buf[:], chunk)

		if err := m.io.pokeWord(current, binary.LittleEndian.Uint64(buf[:])); err != nil {
			return &Error{Op: "write bytes", PID: m.pid, Addr: current, Err: fmt.Errorf("%w: %w", ErrMemoryWrite, err)}
		}

		if off+WordSize < len(data) {
			var err error
			if current, err = m.next(current); err != nil {
				return err
			}
		}
	}

	return nil
}

// next advances addr by one word, refusing to wrap.
func (m *Memory) next(addr uintptr) (uintptr, error) {
	n := addr + WordSize
	if n < addr {
		return 0, &Error{Op: "advance", PID: m.pid, Addr: addr, Err: ErrInvalidAddress}
	}
	return n, nil
}
