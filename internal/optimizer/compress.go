package optimizer

import (
	"bytes"
	"compress/gzip"
)

// NewGzipCompressor returns a Compressor that only reports success
// (compressed=true) when len(data) >= threshold AND the gzip output is
// smaller than 0.9x the original length (spec.md §4.3's compression
// threshold rule). gzip/flate is stdlib; no third-party compression
// library is used directly by any complete example repo in the
// retrieval pack, so the standard library is the grounded choice here
// (see DESIGN.md).
func NewGzipCompressor(threshold int) Compressor {
	if threshold <= 0 {
		threshold = 1024
	}
	return func(data []byte) ([]byte, bool) {
		if len(data) < threshold {
			return nil, false
		}

		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}

		if float64(buf.Len()) >= 0.9*float64(len(data)) {
			return nil, false
		}
		return buf.Bytes(), true
	}
}
