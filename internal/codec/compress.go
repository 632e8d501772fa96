package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflate compresses src at the given level (1..9), mirroring spec §4.1.
// klauspost/compress/flate is a drop-in, faster replacement for the
// standard library's compress/flate, used here the same way the teacher
// repo's dependency graph pulls it in for payload compression.
func deflate(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses src, enforcing MaxPayloadBytes and MaxInflateRatio so
// that a malicious or corrupt compressed payload cannot exhaust memory.
func inflate(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	limit := int64(MaxPayloadBytes) + 1
	lr := &io.LimitedReader{R: r, N: limit}

	out, err := io.ReadAll(lr)
	if err != nil {
		return nil, newErr(CodeDecompressFailed, err.Error())
	}
	if int64(len(out)) > int64(MaxPayloadBytes) {
		return nil, newErr(CodePayloadTooLarge, "decompressed payload exceeds limit")
	}
	if len(src) > 0 && int64(len(out)) > int64(len(src))*MaxInflateRatio {
		return nil, newErr(CodeDecompressFailed, "inflate ratio exceeds safety bound")
	}
	return out, nil
}
