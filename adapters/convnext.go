package adapters

import (
	"math"
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// Interpolation modes for the final upsampling of ConvNeXt predictions to
// the full image resolution.
const (
	InterpolateBilinear = "bilinear"
	InterpolateNearest  = "nearest"
)

// ConvNeXt decodes the fused token sequence into a dense per-pixel
// prediction map, [batch, numClasses, imageHeight, imageWidth].
//
// Tokens of the selected main tasks are concatenated on the feature axis,
// projected, rearranged into a spatial map with PredsPerPatch sub-positions
// per patch, refined by a stack of ConvNeXt blocks and upsampled to the
// image size.
type ConvNeXt struct {
	// NumClasses of the dense prediction, the output channels.
	NumClasses int

	// EmbedDim is the projection width before the spatial rearrangement.
	// It must be divisible by PredsPerPatch.
	EmbedDim int

	// PredsPerPatch is the number of spatial predictions carved out of each
	// patch token. Must be a perfect square.
	PredsPerPatch int

	// MainTasks lists the modalities whose tokens feed the decoder.
	MainTasks []string

	// PatchSize of the tokens at full image resolution.
	PatchSize int

	// Depth is the number of ConvNeXt blocks.
	Depth int

	// Interpolate selects the final upsampling mode, InterpolateBilinear
	// (default) or InterpolateNearest.
	Interpolate string

	// LayerScaleInit initializes the per-channel scale of each block.
	// Zero disables layer scale.
	LayerScaleInit float64

	dimTokensEnc int
	subGrid      int // sqrt(PredsPerPatch)
	classDim     int // EmbedDim / PredsPerPatch
}

// NewConvNeXt creates a decoder for numClasses dense outputs, fed by the
// tokens of the given main tasks.
func NewConvNeXt(numClasses, patchSize int, mainTasks ...string) *ConvNeXt {
	return &ConvNeXt{
		NumClasses:     numClasses,
		EmbedDim:       6144,
		PredsPerPatch:  16,
		MainTasks:      mainTasks,
		PatchSize:      patchSize,
		Depth:          4,
		Interpolate:    InterpolateBilinear,
		LayerScaleInit: 1e-6,
	}
}

// Init implements OutputAdapter.
func (d *ConvNeXt) Init(dimTokensEnc int) error {
	if dimTokensEnc <= 0 {
		return errors.Errorf("ConvNeXt.Init: dimTokensEnc must be positive, got %d", dimTokensEnc)
	}
	if len(d.MainTasks) == 0 {
		return errors.Errorf("ConvNeXt.Init: at least one main task is required")
	}
	sub := int(math.Round(math.Sqrt(float64(d.PredsPerPatch))))
	if sub*sub != d.PredsPerPatch {
		return errors.Errorf("ConvNeXt.Init: PredsPerPatch=%d must be a perfect square", d.PredsPerPatch)
	}
	if d.EmbedDim%d.PredsPerPatch != 0 {
		return errors.Errorf("ConvNeXt.Init: EmbedDim=%d must be divisible by PredsPerPatch=%d",
			d.EmbedDim, d.PredsPerPatch)
	}
	if d.Interpolate != InterpolateBilinear && d.Interpolate != InterpolateNearest {
		return errors.Errorf("ConvNeXt.Init: unknown interpolation mode %q", d.Interpolate)
	}
	d.dimTokensEnc = dimTokensEnc
	d.subGrid = sub
	d.classDim = d.EmbedDim / d.PredsPerPatch
	return nil
}

// Decode implements OutputAdapter: it consumes the final encoder layer from
// encoderLayers and returns [batch, NumClasses, imageHeight, imageWidth].
func (d *ConvNeXt) Decode(ctx *context.Context, encoderLayers []*Node, info *InputInfo) *Node {
	if d.dimTokensEnc == 0 {
		exceptions.Panicf("ConvNeXt: Init(dimTokensEnc) must be called before Decode")
	}
	if len(encoderLayers) == 0 {
		exceptions.Panicf("ConvNeXt: no encoder layers to decode")
	}
	tokens := encoderLayers[len(encoderLayers)-1]
	batch := tokens.Shape().Dimensions[0]

	// Gather the main tasks' token ranges, in a deterministic order.
	mainTasks := make([]string, len(d.MainTasks))
	copy(mainTasks, d.MainTasks)
	sort.Strings(mainTasks)
	var selected []*Node
	numPatches := -1
	for _, task := range mainTasks {
		r, found := info.Tasks[task]
		if !found {
			exceptions.Panicf("ConvNeXt: main task %q is not among the model inputs %v", task, info.Order)
		}
		if numPatches < 0 {
			numPatches = r.Len()
		} else if r.Len() != numPatches {
			exceptions.Panicf("ConvNeXt: main tasks must have the same token count, got %d and %d",
				numPatches, r.Len())
		}
		selected = append(selected, Slice(tokens, AxisRange(), AxisRange(r.Start, r.End)))
	}
	x := selected[0]
	if len(selected) > 1 {
		x = Concatenate(selected, -1)
	}

	numH := info.ImageHeight / d.PatchSize
	numW := info.ImageWidth / d.PatchSize
	if numH*numW != numPatches {
		exceptions.Panicf("ConvNeXt: token grid %dx%d does not match %d tokens per main task",
			numH, numW, numPatches)
	}

	// Project and rearrange into a spatial map: each patch token yields a
	// subGrid x subGrid block of classDim features.
	x = layers.Dense(ctx.In("proj_dec"), x, true, d.EmbedDim)
	x = Reshape(x, batch, numH, numW, d.subGrid, d.subGrid, d.classDim)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	x = Reshape(x, batch, numH*d.subGrid, numW*d.subGrid, d.classDim)

	for block := range d.Depth {
		x = d.block(ctx.Inf("block_%d", block), x)
	}

	x = layers.DenseWithBias(ctx.In("final_layer"), x, d.NumClasses)

	interp := Interpolate(x, batch, info.ImageHeight, info.ImageWidth, d.NumClasses)
	if d.Interpolate == InterpolateNearest {
		x = interp.Nearest().Done()
	} else {
		x = interp.Bilinear().Done()
	}
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// block applies one ConvNeXt block on a channels-last map
// [batch, height, width, channels]: depthwise 7x7 convolution, layer
// normalization, a pointwise 4x MLP with GELU, optional layer scale, and a
// residual connection.
func (d *ConvNeXt) block(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	residual := x
	x = depthwiseConv7x7(ctx.In("dwconv"), x)
	x = layers.LayerNormalization(ctx.In("norm"), x, -1).Epsilon(1e-6).Done()
	x = layers.Dense(ctx.In("pwconv1"), x, true, 4*channels)
	x = activations.Gelu(x)
	x = layers.Dense(ctx.In("pwconv2"), x, true, channels)
	if d.LayerScaleInit > 0 {
		gammaVar := ctx.VariableWithValue("gamma", scaledOnes(channels, d.LayerScaleInit))
		gamma := gammaVar.ValueGraph(x.Graph())
		gamma = ConvertDType(gamma, x.DType())
		x = Mul(x, gamma)
	}
	return Add(residual, x)
}

func scaledOnes(channels int, scale float64) []float32 {
	values := make([]float32, channels)
	for i := range values {
		values[i] = float32(scale)
	}
	return values
}

// depthwiseConv7x7 computes a per-channel 7x7 convolution with padding 3 on
// a channels-last map, as a sum of 49 shifted, per-tap scaled copies.
func depthwiseConv7x7(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]

	kernelVar := ctx.WithInitializer(initializers.XavierNormalFn(ctx)).
		VariableWithShape("kernel", shapes.Make(x.DType(), 7, 7, channels))
	kernel := kernelVar.ValueGraph(g)
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(x.DType(), channels))
	bias := biasVar.ValueGraph(g)

	// Zero-pad 3 on each spatial border.
	padH := Zeros(g, shapes.Make(x.DType(), batch, 3, width, channels))
	padded := Concatenate([]*Node{padH, x, padH}, 1)
	padW := Zeros(g, shapes.Make(x.DType(), batch, height+6, 3, channels))
	padded = Concatenate([]*Node{padW, padded, padW}, 2)

	var sum *Node
	for dy := range 7 {
		for dx := range 7 {
			window := Slice(padded, AxisRange(),
				AxisRange(dy, dy+height), AxisRange(dx, dx+width), AxisRange())
			tap := Slice(kernel, AxisElem(dy), AxisElem(dx), AxisRange())
			tap = Reshape(tap, 1, 1, 1, channels)
			term := Mul(window, tap)
			if sum == nil {
				sum = term
			} else {
				sum = Add(sum, term)
			}
		}
	}
	return Add(sum, Reshape(bias, 1, 1, 1, channels))
}
