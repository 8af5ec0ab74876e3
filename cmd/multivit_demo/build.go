package main

import (
	"flag"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/adapters"
	"github.com/gomlx/multivit/checkpoints"
	"github.com/gomlx/multivit/multivit"
	"github.com/gomlx/multivit/posembed"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir    = flag.String("data", "~/work/multivit", "Directory with cached model files.")
	flagCheckpoint = flag.String("checkpoint", "weights/rgbd_sod.ckpt", "Model checkpoint file. Relative to --data directory.")
	flagImageSize  = flag.Int("image_size", 352, "Square size images are resized to before the model.")
	flagPatchSize  = flag.Int("patch_size", 16, "Patch size of the token grid.")
)

// checkpointPath returns the configured checkpoint, resolved against --data.
func checkpointPath() string {
	filePath := data.ReplaceTildeInDir(*flagCheckpoint)
	if !path.IsAbs(filePath) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		filePath = path.Join(dataDir, filePath)
	}
	return filePath
}

// BuildModel assembles the RGB+depth saliency model and, when the
// checkpoint file exists, restores its parameters. Panics in case of error.
func BuildModel() *multivit.MultiViT {
	config := multivit.NewConfig()
	inputs := map[string]adapters.InputAdapter{
		"rgb":   adapters.NewPatchedInput(3, *flagPatchSize, *flagImageSize),
		"depth": adapters.NewPatchedInput(1, *flagPatchSize, *flagImageSize),
	}
	outputs := map[string]adapters.OutputAdapter{
		"semseg": adapters.NewConvNeXt(1, *flagPatchSize, "rgb", "depth"),
	}
	model := must.M1(multivit.New(backends.New(), config, inputs, outputs))

	filePath := checkpointPath()
	if _, err := os.Stat(filePath); err == nil {
		params := must.M1(checkpoints.Load(filePath))
		report := must.M1(checkpoints.Apply(model.Context(), params, checkpoints.Options{}))
		klog.Infof("restored %d parameters from %s (%d resized)",
			len(report.Matched)+len(report.Resized), filePath, len(report.Resized))
	} else {
		klog.Warningf("checkpoint %s not found, using random initialization", filePath)
	}
	return model
}

// LoadRGB reads an image file and returns it as a [1, 3, size, size]
// float32 tensor scaled to [0, 1].
func LoadRGB(filePath string, size int) (*tensors.Tensor, error) {
	img, err := loadImage(filePath)
	if err != nil {
		return nil, err
	}
	return resizeToTensor(img, 3, size)
}

// LoadDepth reads a grayscale depth image as a [1, 1, size, size] float32
// tensor scaled to [0, 1].
func LoadDepth(filePath string, size int) (*tensors.Tensor, error) {
	img, err := loadImage(filePath)
	if err != nil {
		return nil, err
	}
	return resizeToTensor(img, 1, size)
}

// FlatDepth returns a constant mid-range depth map, used when no depth
// image is given.
func FlatDepth(size int) *tensors.Tensor {
	return tensors.FromScalarAndDimensions(float32(0.5), 1, 1, size, size)
}

func loadImage(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", filePath)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", filePath)
	}
	return img, nil
}

// resizeToTensor converts the image to [1, channels, size, size],
// bicubically resized. Grayscale extraction for channels == 1 uses the
// red channel of the already gray-converted pixel.
func resizeToTensor(img image.Image, channels, size int) (*tensors.Tensor, error) {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	raw := tensors.FromShape(shapes.Make(dtypes.Float32, 1, channels, h, w))
	tensors.MutableFlatData(raw, func(flat []float32) {
		for y := range h {
			for x := range w {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				if channels == 1 {
					gray := (float32(r) + float32(g) + float32(b)) / 3
					flat[y*w+x] = gray / 0xffff
					continue
				}
				flat[0*h*w+y*w+x] = float32(r) / 0xffff
				flat[1*h*w+y*w+x] = float32(g) / 0xffff
				flat[2*h*w+y*w+x] = float32(b) / 0xffff
			}
		}
	})
	if h == size && w == size {
		return raw, nil
	}
	return posembed.Resample(raw, size, size)
}
