// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz). Only the parts of the format the pipeline needs
// are decoded: the voxel grid, spacing, affine and scaled voxel values.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"volprep/pkg/geometry"
)

const (
	headerSize    = 348
	defaultOffset = 352
)

// Datatype codes from the NIfTI-1 standard.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// rawHeader mirrors the 348-byte on-disk header field for field.
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// decodeHeader parses the first 348 bytes, detecting the byte order from
// sizeof_hdr.
func decodeHeader(buf []byte) (*rawHeader, binary.ByteOrder, error) {
	if len(buf) < headerSize {
		return nil, nil, fmt.Errorf("header too short: %d bytes", len(buf))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(buf)) != headerSize {
		if int32(binary.BigEndian.Uint32(buf)) != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is not %d", headerSize)
		}
		order = binary.BigEndian
	}

	var h rawHeader
	if err := binary.Read(bytes.NewReader(buf[:headerSize]), order, &h); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, nil, fmt.Errorf("unsupported NIfTI magic %q", h.Magic[:3])
	}
	return &h, order, nil
}

// shape returns the three spatial sizes. Axes past the third must be
// singleton.
func (h *rawHeader) shape() ([3]int, error) {
	rank := int(h.Dim[0])
	if rank < 1 || rank > 7 {
		return [3]int{}, fmt.Errorf("invalid dim[0] %d", rank)
	}
	shape := [3]int{1, 1, 1}
	for i := 1; i <= rank; i++ {
		n := int(h.Dim[i])
		if n <= 0 {
			return [3]int{}, fmt.Errorf("invalid dim[%d] %d", i, n)
		}
		if i <= 3 {
			shape[i-1] = n
		} else if n != 1 {
			return [3]int{}, fmt.Errorf("unsupported %dD volume with dim[%d]=%d", rank, i, n)
		}
	}
	return shape, nil
}

func (h *rawHeader) spacing() [3]float64 {
	return [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
}

// affine prefers the sform, then the qform, then a plain scaling by pixdim.
func (h *rawHeader) affine() geometry.Affine {
	if h.SformCode > 0 {
		a := geometry.Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
		return a
	}
	if h.QformCode > 0 {
		return h.qformAffine()
	}
	return geometry.FromSpacing(h.spacing())
}

func (h *rawHeader) qformAffine() geometry.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	scale := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3]) * qfac}

	aff := geometry.Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			aff[i][j] = r[i][j] * scale[j]
		}
	}
	aff[0][3] = float64(h.QOffsetX)
	aff[1][3] = float64(h.QOffsetY)
	aff[2][3] = float64(h.QOffsetZ)
	return aff
}

// bytesPerVoxel returns the element size for supported datatypes.
func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported datatype code %d", dt)
}

// decodeVoxels converts raw little/big-endian elements to float64 and
// applies the scl_slope/scl_inter scaling when present.
func decodeVoxels(raw []byte, dt int16, order binary.ByteOrder, slope, inter float64) ([]float64, error) {
	size, err := bytesPerVoxel(dt)
	if err != nil {
		return nil, err
	}
	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p := raw[i*size : (i+1)*size]
		switch dt {
		case DTUint8:
			out[i] = float64(p[0])
		case DTInt8:
			out[i] = float64(int8(p[0]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(p)))
		case DTUint16:
			out[i] = float64(order.Uint16(p))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(p)))
		case DTUint32:
			out[i] = float64(order.Uint32(p))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(p))
		}
	}
	if slope != 0 && !(slope == 1 && inter == 0) && !math.IsNaN(slope) {
		for i := range out {
			out[i] = out[i]*slope + inter
		}
	}
	return out, nil
}
