package nifti

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"volprep/internal/models"
)

// MaxVolumeBytes caps the voxel block a header may declare.
const MaxVolumeBytes = 16 << 30

// Reader loads volumes from disk. The zero value is ready to use.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader {
	return &Reader{}
}

// ReadHeader decodes only the header of the file at path; voxel data is not
// read (and, for compressed files, not decompressed).
func (r *Reader) ReadHeader(ctx context.Context, path string) (*models.Header, error) {
	src, closeFn, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, _, err := readRawHeader(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	shape, err := h.shape()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &models.Header{
		Shape:    shape,
		Spacing:  h.spacing(),
		Affine:   h.affine(),
		DataType: h.Datatype,
	}, nil
}

// ReadVolume loads the full volume with scaled voxel values.
func (r *Reader) ReadVolume(ctx context.Context, path string) (*models.Volume, *models.Header, error) {
	src, closeFn, err := open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer closeFn()

	h, order, err := readRawHeader(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	shape, err := h.shape()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	size, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = defaultOffset
	}
	if _, err := io.CopyN(io.Discard, src, offset-headerSize); err != nil {
		return nil, nil, fmt.Errorf("%s: skip to voxel data: %w", path, err)
	}

	want, err := voxelBytes(shape, size)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	// The buffer grows with the data actually present, so a header that
	// overstates its dimensions fails on a short stream.
	raw, err := io.ReadAll(io.LimitReader(src, want))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read voxel data: %w", path, err)
	}
	if int64(len(raw)) != want {
		return nil, nil, fmt.Errorf("%s: read voxel data: got %d of %d bytes: %w", path, len(raw), want, io.ErrUnexpectedEOF)
	}
	data, err := decodeVoxels(raw, h.Datatype, order, float64(h.SclSlope), float64(h.SclInter))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	header := &models.Header{
		Shape:    shape,
		Spacing:  h.spacing(),
		Affine:   h.affine(),
		DataType: h.Datatype,
	}
	vol := &models.Volume{Data: data, Width: shape[0], Height: shape[1], Depth: shape[2]}
	vol.SetAffine(header.Affine)
	return vol, header, nil
}

// voxelBytes returns the size of the voxel block, rejecting headers whose
// dimensions exceed MaxVolumeBytes.
func voxelBytes(shape [3]int, size int) (int64, error) {
	n := int64(size)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dimension %d", d)
		}
		if n > MaxVolumeBytes/int64(d) {
			return 0, fmt.Errorf("volume %v of %d-byte voxels exceeds %d bytes", shape, size, int64(MaxVolumeBytes))
		}
		n *= int64(d)
	}
	return n, nil
}

func readRawHeader(src io.Reader) (*rawHeader, binary.ByteOrder, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	return decodeHeader(buf)
}

// open returns a reader over the uncompressed file contents, honouring ctx
// on every read.
func open(ctx context.Context, path string) (io.Reader, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(&ctxReader{ctx: ctx, r: f})
	magic, err := br.Peek(2)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, func() { f.Close() }, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return zr, func() {
		zr.Close()
		f.Close()
	}, nil
}

// ctxReader fails reads once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
