package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Split identifies one of the three dataset partitions.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"
)

// Valid reports whether s is one of the known partitions.
func (s Split) Valid() bool {
	switch s {
	case SplitTrain, SplitVal, SplitTest:
		return true
	}
	return false
}

// SampleRecord is one row of the dataset table.
type SampleRecord struct {
	// Index is the value of the table's leading index column
	Index string

	// Study is the study (patient exam) identifier
	Study string

	// View is the anatomical view, e.g. "A4C"
	View string

	// SampleID is the unique sample identifier (the dicom_uuid column)
	SampleID string

	// ValidSegmentation marks rows whose mask can be trusted
	ValidSegmentation bool

	// Split is the partition label, empty when the table has none
	Split Split
}

// ImagePath returns the intensity volume path under root:
// <root>/img/<study>/<view>/<id>_0000.<ext>, with the view lowercased.
func (r SampleRecord) ImagePath(root, ext string) string {
	return filepath.Join(root, "img", r.subPath(ext))
}

// MaskPath returns the segmentation path, which is the image sub-path
// without the "_0000" infix under <root>/segmentation.
func (r SampleRecord) MaskPath(root, ext string) string {
	return filepath.Join(root, "segmentation", strings.Replace(r.subPath(ext), "_0000", "", 1))
}

func (r SampleRecord) subPath(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return filepath.Join(r.Study, strings.ToLower(r.View), fmt.Sprintf("%s_0000.%s", r.SampleID, ext))
}
