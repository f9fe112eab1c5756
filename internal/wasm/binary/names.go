package binary

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/wasm"
)

const (
	// subsectionIDModuleName contains only the module name.
	subsectionIDModuleName = uint8(0)
	// subsectionIDFunctionNames is a map of indices to function names, in ascending order by function index
	subsectionIDFunctionNames = uint8(1)
)

// decodeFunctionNames reads the function names subsection of the "name" custom section. Other subsections are
// skipped.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-namesec
func decodeFunctionNames(data []byte) (map[wasm.Index]string, error) {
	r := bytes.NewReader(data)
	var names map[wasm.Index]string
	for {
		subsectionID, err := r.ReadByte()
		if err == io.EOF {
			return names, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read a subsection ID: %w", err)
		}

		subsectionSize, err := parser.ReadLEB128u(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read the size of subsection[%d]: %w", subsectionID, err)
		}

		if subsectionID != subsectionIDFunctionNames {
			// Not Seek, because it doesn't err when given an offset past EOF.
			if _, err = io.CopyN(io.Discard, r, int64(subsectionSize)); err != nil {
				return nil, fmt.Errorf("failed to skip subsection[%d]: %w", subsectionID, err)
			}
			continue
		}

		count, err := parser.ReadLEB128u(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read the function count of subsection[%d]: %w", subsectionID, err)
		}
		names = make(map[wasm.Index]string, count)
		for i := uint32(0); i < count; i++ {
			idx, err := parser.ReadLEB128u(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read a function index in the name section: %w", err)
			}
			name, err := decodeUTF8(r, "function name")
			if err != nil {
				return nil, err
			}
			names[idx] = name
		}
	}
}

func decodeUTF8(r *bytes.Reader, contextFormat string) (string, error) {
	size, err := parser.ReadLEB128u(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s size: %w", contextFormat, err)
	}
	if int(size) > r.Len() {
		return "", fmt.Errorf("%s of size %d is longer than the remaining %d bytes", contextFormat, size, r.Len())
	}
	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", contextFormat, err)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%s is not valid UTF-8", contextFormat)
	}
	return string(buf), nil
}
