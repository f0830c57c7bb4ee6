package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"volprep/internal/models"
)

// WriteOptions controls how a volume is encoded.
type WriteOptions struct {
	// Datatype is the on-disk element code; zero means float32
	Datatype int16

	// Description is stored in the descrip field, truncated to 79 bytes
	Description string
}

// Write stores vol at path as a little-endian NIfTI-1 file. Paths ending in
// ".gz" are gzip-compressed. The affine is stored as the sform.
func Write(path string, vol *models.Volume, opts WriteOptions) (err error) {
	dt := opts.Datatype
	if dt == 0 {
		dt = DTFloat32
	}
	size, err := bytesPerVoxel(dt)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	h := buildHeader(vol, dt, size, opts.Description)
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	buf.Write(make([]byte, defaultOffset-headerSize)) // empty extension block
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(encodeVoxels(vol.Data, dt, size)); err != nil {
		return err
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func buildHeader(vol *models.Volume, dt int16, size int, descrip string) *rawHeader {
	h := &rawHeader{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dt,
		Bitpix:    int16(size * 8),
		VoxOffset: defaultOffset,
		SclSlope:  1,
		SformCode: 1,
		XYZTUnits: 2, // millimetres
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	sp := vol.Spacing()
	h.Pixdim = [8]float32{1, float32(sp[0]), float32(sp[1]), float32(sp[2]), 1, 1, 1, 1}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(vol.Affine[0][j])
		h.SrowY[j] = float32(vol.Affine[1][j])
		h.SrowZ[j] = float32(vol.Affine[2][j])
	}
	if len(descrip) > 79 {
		descrip = descrip[:79]
	}
	copy(h.Descrip[:], descrip)
	return h
}

func encodeVoxels(data []float64, dt int16, size int) []byte {
	out := make([]byte, len(data)*size)
	le := binary.LittleEndian
	for i, v := range data {
		p := out[i*size : (i+1)*size]
		switch dt {
		case DTUint8:
			p[0] = uint8(math.Round(v))
		case DTInt8:
			p[0] = uint8(int8(math.Round(v)))
		case DTInt16:
			le.PutUint16(p, uint16(int16(math.Round(v))))
		case DTUint16:
			le.PutUint16(p, uint16(math.Round(v)))
		case DTInt32:
			le.PutUint32(p, uint32(int32(math.Round(v))))
		case DTUint32:
			le.PutUint32(p, uint32(math.Round(v)))
		case DTFloat32:
			le.PutUint32(p, math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(p, math.Float64bits(v))
		}
	}
	return out
}
