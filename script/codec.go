package script

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	"github.com/mkd-tools/mkd/internal/runtime/jsoncodec"
)

// lz4FrameMagic is the LZ4 frame header; compressed scripts are detected by
// this prefix regardless of file extension.
var lz4FrameMagic = []byte{0x04, 0x22, 0x4d, 0x18}

// Save writes a script to path, picking the format from the file extension:
// ".mkd" is compressed, everything else is plain JSON.
func Save(path string, s *Script) error {
	return SaveAs(path, s, formatForPath(path))
}

// SaveAs writes a script to path in an explicit format.
func SaveAs(path string, s *Script, format Format) error {
	if s.Version == 0 {
		s.Version = FormatVersion
	}
	if err := s.Validate(); err != nil {
		return err
	}

	payload, err := jsoncodec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding script: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating script file: %w", err)
	}

	switch format {
	case FormatJSON:
		_, err = f.Write(payload)
	case FormatMKD:
		w := lz4.NewWriter(f)
		if _, err = w.Write(payload); err == nil {
			err = w.Close()
		}
	default:
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownScriptFormat, format)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("writing script file: %w", err)
	}
	return f.Close()
}

// Load reads a script from path. The storage format is detected from the
// content: LZ4 frames are decompressed, anything starting with a JSON
// document is parsed directly.
func Load(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}

	if bytes.HasPrefix(raw, lz4FrameMagic) {
		decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("decompressing script: %w", err)
		}
		raw = decompressed
	} else if !looksLikeJSON(raw) {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownScriptFormat, path)
	}

	var s Script
	if err := jsoncodec.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func formatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".mkd") {
		return FormatMKD
	}
	return FormatJSON
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
