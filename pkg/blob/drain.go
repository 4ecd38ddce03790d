package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Drain reads src to completion into memory.
//
// The source is pumped through a pipe by a separate goroutine, the way bytes
// would arrive from a channel owned by the caller. The write side of the pipe
// is always closed, carrying the source's own error when it fails, and src is
// closed too when it implements io.Closer. A source that panics fails the
// drain with the panic value. A cancelled ctx aborts the read.
func Drain(ctx context.Context, src io.Reader) ([]byte, error) {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				pw.CloseWithError(fmt.Errorf("source panic: %v", p))
			}
		}()
		_, err := io.Copy(pw, src)
		if c, ok := src.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
		pw.CloseWithError(err)
	}()

	stop := context.AfterFunc(ctx, func() {
		pr.CloseWithError(context.Cause(ctx))
	})
	defer stop()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(pr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
