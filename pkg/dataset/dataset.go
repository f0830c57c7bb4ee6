// Package dataset turns sample records into uniform tensors: it loads an
// intensity volume and its mask, caps the voxel count, resamples both to the
// common spacing, crops or pads them to a divisible shape and, in training
// mode, cuts random fixed-length windows along the third axis.
//
// A Dataset is immutable after New apart from its epoch counter, so Get may
// be called from any number of goroutines.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"volprep/internal/logging"
	"volprep/internal/models"
	"volprep/pkg/geometry"
	"volprep/pkg/resample"
	"volprep/pkg/shape"
	"volprep/pkg/tensor"
)

const (
	// IntensityDivisor maps 8-bit encoded intensities to [0, 1]
	IntensityDivisor = 255.0

	// DefaultMaxTensorVolume is the voxel budget used when none is given
	DefaultMaxTensorVolume = 5000000

	// largeBatchWarning is the max_batch_size above which a warning is logged
	largeBatchWarning = 10
)

// VolumeReader loads a volume and its header from a path.
type VolumeReader interface {
	ReadVolume(ctx context.Context, path string) (*models.Volume, *models.Header, error)
}

// Options configures a Dataset.
type Options struct {
	// Root is the dataset directory holding img/ and segmentation/
	Root string

	// VolumeExt is the volume file extension, e.g. "nii.gz"
	VolumeExt string

	// CommonSpacing is the resampling target and is required
	CommonSpacing []float64

	// MaxWindowLen is the window length in training mode; nil uses the
	// whole volume as one window
	MaxWindowLen *int

	// MaxBatchSize caps the number of windows per sample; nil is unbounded
	MaxBatchSize *int

	// MaxTensorVolume caps the raw voxel count in training mode
	MaxTensorVolume int

	// ShapeDivisibleBy is the per-axis divisibility factor
	ShapeDivisibleBy [3]int

	// UseDatasetFraction down-samples the records when in (0, 1)
	UseDatasetFraction float64

	// Eval disables truncation and windowing and ceils the third axis
	Eval bool

	// Seed makes fraction sampling and window offsets reproducible
	Seed int64

	// ReadTimeout bounds the file reads of one Get; zero disables it
	ReadTimeout time.Duration

	// ResampleWorkers bounds the goroutines used per volume; zero means
	// one per CPU
	ResampleWorkers int

	Reader VolumeReader
	Logger *slog.Logger
}

// Meta describes where a sample came from and the geometry it was moved to.
type Meta struct {
	SampleID        string
	OriginalShape   [3]int
	OriginalSpacing [3]float64
	OriginalAffine  geometry.Affine
	ResampledAffine geometry.Affine
}

// Sample is the processed output for one record. Image and Label have shape
// [N, 1, X, Y, W]: N windows of W frames, or N = 1 with the full extent.
type Sample struct {
	Image *tensor.Tensor
	Label *tensor.Tensor
	Meta  Meta
}

// Dataset serves processed samples by index.
type Dataset struct {
	records    []models.SampleRecord
	opts       Options
	resampler  *resample.Resampler
	normalizer *shape.Normalizer
	logger     *slog.Logger
	epoch      atomic.Uint64
}

// New validates opts and builds a dataset over records.
func New(records []models.SampleRecord, opts Options) (*Dataset, error) {
	if opts.Reader == nil {
		return nil, fmt.Errorf("dataset: no volume reader")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	resampler, err := resample.New(opts.CommonSpacing)
	if err != nil {
		return nil, err
	}
	if opts.ResampleWorkers > 0 {
		resampler = resampler.WithWorkers(opts.ResampleWorkers)
	}

	mode := shape.Train
	if opts.Eval {
		mode = shape.Eval
	}
	normalizer, err := shape.NewNormalizer(opts.ShapeDivisibleBy, mode)
	if err != nil {
		return nil, err
	}

	if opts.MaxWindowLen != nil && *opts.MaxWindowLen <= 0 {
		return nil, models.NewConfigurationError("max_window_len", "must be positive when set, got %d", *opts.MaxWindowLen)
	}
	if opts.MaxBatchSize != nil {
		if *opts.MaxBatchSize <= 0 {
			return nil, models.NewConfigurationError("max_batch_size", "must be positive when set, got %d", *opts.MaxBatchSize)
		}
		if *opts.MaxBatchSize > largeBatchWarning {
			logging.Warn(logger, "max_batch_size is large; the largest possible batch is used when it exceeds the available windows",
				"max_batch_size", *opts.MaxBatchSize)
		}
	}
	switch {
	case opts.MaxTensorVolume == 0:
		opts.MaxTensorVolume = DefaultMaxTensorVolume
	case opts.MaxTensorVolume < 0:
		return nil, models.NewConfigurationError("max_tensor_volume", "must be positive, got %d", opts.MaxTensorVolume)
	}

	d := &Dataset{
		records:    applyFraction(records, opts.UseDatasetFraction, opts.Seed, logger),
		opts:       opts,
		resampler:  resampler,
		normalizer: normalizer,
		logger:     logger,
	}
	return d, nil
}

// applyFraction keeps a random round(f*n) subset for f in (0, 1). Any other
// value except 1 is reported and ignored.
func applyFraction(records []models.SampleRecord, f float64, seed int64, logger *slog.Logger) []models.SampleRecord {
	if f == 1 {
		return records
	}
	if !(f > 0 && f < 1) {
		logging.Warn(logger, "invalid dataset fraction, fraction will be ignored", "use_dataset_fraction", f)
		return records
	}
	k := int(math.Round(f * float64(len(records))))
	if k == 0 && len(records) > 0 {
		k = 1
	}
	rng := rand.New(rand.NewPCG(uint64(seed), math.MaxUint64))
	perm := rng.Perm(len(records))
	out := make([]models.SampleRecord, k)
	for i := 0; i < k; i++ {
		out[i] = records[perm[i]]
	}
	return out
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.records)
}

// Record returns the record behind index idx.
func (d *Dataset) Record(idx int) models.SampleRecord {
	return d.records[idx]
}

// Eval reports whether the dataset runs in evaluation mode.
func (d *Dataset) Eval() bool {
	return d.opts.Eval
}

// NextEpoch advances the epoch so the next pass draws new window offsets.
func (d *Dataset) NextEpoch() uint64 {
	return d.epoch.Add(1)
}

// rngFor derives the generator for one Get from the seed, the epoch and the
// index, so a sample's windows do not depend on worker scheduling.
func (d *Dataset) rngFor(idx int) *rand.Rand {
	epoch := d.epoch.Load()
	return rand.New(rand.NewPCG(uint64(d.opts.Seed)+epoch*0x9e3779b97f4a7c15, uint64(idx)))
}

// Paths returns the image and mask paths of record idx.
func (d *Dataset) Paths(idx int) (image, mask string) {
	r := d.records[idx]
	return r.ImagePath(d.opts.Root, d.opts.VolumeExt), r.MaskPath(d.opts.Root, d.opts.VolumeExt)
}

// Get loads and processes sample idx.
func (d *Dataset) Get(ctx context.Context, idx int) (*Sample, error) {
	if idx < 0 || idx >= len(d.records) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.records))
	}
	if d.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ReadTimeout)
		defer cancel()
	}

	rec := d.records[idx]
	imgPath, maskPath := d.Paths(idx)

	img, header, err := d.opts.Reader.ReadVolume(ctx, imgPath)
	if err != nil {
		return nil, &models.DataIntegrityError{SampleID: rec.SampleID, Path: imgPath, Err: err}
	}
	mask, _, err := d.opts.Reader.ReadVolume(ctx, maskPath)
	if err != nil {
		return nil, &models.DataIntegrityError{SampleID: rec.SampleID, Path: maskPath, Err: err}
	}
	if img.Shape() != mask.Shape() {
		return nil, &models.DataIntegrityError{
			SampleID: rec.SampleID,
			Err:      fmt.Errorf("image shape %v does not match mask shape %v", img.Shape(), mask.Shape()),
		}
	}
	// The mask shares the image grid regardless of its own header
	mask.SetAffine(img.Affine)

	img.Scale(1 / IntensityDivisor)
	meta := Meta{
		SampleID:        rec.SampleID,
		OriginalShape:   img.Shape(),
		OriginalSpacing: header.Spacing,
		OriginalAffine:  img.Affine,
	}

	// Limit the raw size so the sample fits in device memory
	if !d.opts.Eval {
		if err := d.capVolume(rec, img, mask); err != nil {
			return nil, err
		}
	}

	img, mask, err = d.normalize(ctx, img, mask)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", rec.SampleID, err)
	}
	meta.ResampledAffine = img.Affine

	var sample *Sample
	if d.opts.Eval || d.opts.MaxWindowLen == nil {
		sample = &Sample{Meta: meta}
		if sample.Image, err = fullWindow(img); err != nil {
			return nil, err
		}
		if sample.Label, err = fullWindow(mask); err != nil {
			return nil, err
		}
	} else {
		sample, err = d.windows(rec, idx, img, mask, meta)
		if err != nil {
			return nil, err
		}
	}

	d.logger.Debug("sample ready",
		"sample_id", rec.SampleID,
		"image", sample.Image.Shape(),
		"label", sample.Label.Shape(),
		"original_shape", meta.OriginalShape,
		"size", humanize.Bytes(sample.Image.Bytes()+sample.Label.Bytes()))
	return sample, nil
}

// capVolume truncates the third axis of both volumes to the largest length
// within MaxTensorVolume.
func (d *Dataset) capVolume(rec models.SampleRecord, img, mask *models.Volume) error {
	if img.Len() <= d.opts.MaxTensorVolume {
		return nil
	}
	frame := img.Width * img.Height
	timeLen := d.opts.MaxTensorVolume / frame
	if timeLen == 0 {
		return &models.DataIntegrityError{
			SampleID: rec.SampleID,
			Err:      fmt.Errorf("a single %dx%d frame exceeds max_tensor_volume %d", img.Width, img.Height, d.opts.MaxTensorVolume),
		}
	}
	d.logger.Debug("truncating volume to fit tensor budget",
		"sample_id", rec.SampleID, "depth", img.Depth, "kept", timeLen)
	img.TruncateDepth(timeLen)
	mask.TruncateDepth(timeLen)
	return nil
}

// normalize resamples image (linear) and mask (nearest) separately, then
// crops or pads both to the divisible shape of the resampled image.
func (d *Dataset) normalize(ctx context.Context, img, mask *models.Volume) (*models.Volume, *models.Volume, error) {
	rImg, err := d.resampler.Resample(ctx, img, resample.Linear)
	if err != nil {
		return nil, nil, fmt.Errorf("resample image: %w", err)
	}
	rMask, err := d.resampler.Resample(ctx, mask, resample.Nearest)
	if err != nil {
		return nil, nil, fmt.Errorf("resample mask: %w", err)
	}
	ref := rImg.Shape()
	return d.normalizer.Apply(rImg, ref), d.normalizer.Apply(rMask, ref), nil
}

// windows cuts WindowCount random windows with shared offsets from image
// and mask.
func (d *Dataset) windows(rec models.SampleRecord, idx int, img, mask *models.Volume, meta Meta) (*Sample, error) {
	w := *d.opts.MaxWindowLen
	length := img.Depth
	if length < w {
		return nil, &models.DataIntegrityError{
			SampleID: rec.SampleID,
			Err:      fmt.Errorf("processed length %d is shorter than window length %d", length, w),
		}
	}

	count := WindowCount(length, w, d.opts.MaxBatchSize)
	offsets := WindowOffsets(d.rngFor(idx), length, w, count)

	imgs := make([]*tensor.Tensor, len(offsets))
	masks := make([]*tensor.Tensor, len(offsets))
	for i, start := range offsets {
		imgs[i] = window(img, start, w)
		masks[i] = window(mask, start, w)
	}
	imgT, err := tensor.Stack(imgs)
	if err != nil {
		return nil, err
	}
	maskT, err := tensor.Stack(masks)
	if err != nil {
		return nil, err
	}
	return &Sample{Image: imgT, Label: maskT, Meta: meta}, nil
}

// WindowCount returns how many windows of length w are cut from a volume of
// the given length. It is length/w, unless maxBatch is set and
// maxBatch*w < length, in which case it is maxBatch.
func WindowCount(length, w int, maxBatch *int) int {
	if maxBatch != nil && *maxBatch > 0 && *maxBatch*w < length {
		return *maxBatch
	}
	return length / w
}

// WindowOffsets draws count start offsets uniformly from
// [0, max(length-w, 1)), with replacement.
func WindowOffsets(rng *rand.Rand, length, w, count int) []int {
	hi := max(length-w, 1)
	out := make([]int, count)
	for i := range out {
		out[i] = rng.IntN(hi)
	}
	return out
}

// fullWindow returns vol as a [1, 1, X, Y, Z] tensor.
func fullWindow(vol *models.Volume) (*tensor.Tensor, error) {
	return tensor.Stack([]*tensor.Tensor{window(vol, 0, vol.Depth)})
}

// window returns frames [start, start+w) of vol as a [1, X, Y, w] tensor.
func window(vol *models.Volume, start, w int) *tensor.Tensor {
	data := make([]float32, vol.Width*vol.Height*w)
	copyWindow(data, vol, start, w)
	t, _ := tensor.FromData(data, 1, vol.Width, vol.Height, w)
	return t
}

// copyWindow writes frames [start, start+w) of vol into dst in [X, Y, W]
// row-major order.
func copyWindow(dst []float32, vol *models.Volume, start, w int) {
	i := 0
	for x := 0; x < vol.Width; x++ {
		for y := 0; y < vol.Height; y++ {
			base := y*vol.Width + x
			for k := 0; k < w; k++ {
				dst[i] = float32(vol.Data[(start+k)*vol.Width*vol.Height+base])
				i++
			}
		}
	}
}
