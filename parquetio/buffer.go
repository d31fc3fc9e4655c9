package parquetio

import (
	"bytes"
	"io"
)

// bufWriter is an in-memory io.Writer that also satisfies
// parquet.ReaderAtWithSize once closed, letting us hand a freshly-written
// file straight to storage.Storage.Write without a temp file.
type bufWriter struct {
	buf bytes.Buffer
}

func newBufferWriter() *bufWriter { return &bufWriter{} }

func (w *bufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufWriter) Len() int { return w.buf.Len() }

func (w *bufWriter) Reader() io.Reader { return bytes.NewReader(w.buf.Bytes()) }

// bytesReaderAt adapts a byte slice to parquet.ReaderAtWithSize for inputs
// that didn't already implement it (e.g. storage.Storage readers backed by
// a network stream).
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b bytesReaderAt) Size() int64 { return int64(len(b)) }
