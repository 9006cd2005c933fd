package uvc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ardnew/usbcap/pkg"
)

// CopyFinalizer copies the raw frame into the client buffer.
type CopyFinalizer struct{}

// Finalize implements stream.Finalizer.
func (CopyFinalizer) Finalize(ctx context.Context, raw, dest []byte, _ int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := copy(dest, raw)
	if n < len(raw) {
		return n, fmt.Errorf("%w: frame of %d bytes in %d byte buffer", pkg.ErrOverrun, len(raw), len(dest))
	}
	return n, nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MJPEGFinalizer copies a Motion-JPEG frame and rejects frames that are
// not a complete image. Trailing zero padding after the end marker is
// removed.
type MJPEGFinalizer struct{}

// Finalize implements stream.Finalizer.
func (MJPEGFinalizer) Finalize(ctx context.Context, raw, dest []byte, packets int) (int, error) {
	img := bytes.TrimRight(raw, "\x00")
	if !bytes.HasPrefix(img, jpegSOI) || !bytes.HasSuffix(img, jpegEOI) {
		return 0, fmt.Errorf("%w: incomplete jpeg frame (%d bytes)", pkg.ErrProtocol, len(raw))
	}
	return CopyFinalizer{}.Finalize(ctx, img, dest, packets)
}
