package adapters

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/posembed"
	"github.com/pkg/errors"
)

// PatchedInput adapts spatial inputs, like images or feature maps, into
// token sequences: one token per patch, positional embedding added.
//
// The effective patch size is the full-image patch size divided by the
// stride level (floored at 1), so modalities living at 1/4 resolution with
// a full patch of 16 use 4x4 patches.
type PatchedInput struct {
	// NumChannels of the input map.
	NumChannels int

	// StrideLevel relative to the full-sized image, e.g. 4 for an input at
	// 1/4th of the image size.
	StrideLevel int

	// PatchHeight, PatchWidth over the full image size.
	PatchHeight, PatchWidth int

	// ImageHeight, ImageWidth is the default full-resolution image size,
	// used to size the stored positional embedding.
	ImageHeight, ImageWidth int

	// LearnablePosEmb switches from the fixed 2D sin-cos embedding to a
	// learned one.
	LearnablePosEmb bool

	// Temperature of the sin-cos embedding frequencies.
	Temperature float64

	dimTokens      int
	patchH, patchW int // effective patch size
	gridH, gridW   int // positional embedding grid
	sincos         *tensors.Tensor
}

// NewPatchedInput creates an input adapter for a modality with the given
// number of channels, at full resolution (stride level 1), with square
// patches. The token dimension is set later by Init, when the model is
// assembled.
func NewPatchedInput(numChannels, patchSize, imageSize int) *PatchedInput {
	return &PatchedInput{
		NumChannels: numChannels,
		StrideLevel: 1,
		PatchHeight: patchSize,
		PatchWidth:  patchSize,
		ImageHeight: imageSize,
		ImageWidth:  imageSize,
		Temperature: posembed.DefaultTemperature,
	}
}

// WithStrideLevel sets the stride level of the adapter's input relative to
// the full-resolution image.
func (a *PatchedInput) WithStrideLevel(strideLevel int) *PatchedInput {
	a.StrideLevel = strideLevel
	return a
}

// WithLearnablePosEmb makes the positional embedding a trained parameter
// instead of the fixed sin-cos one.
func (a *PatchedInput) WithLearnablePosEmb() *PatchedInput {
	a.LearnablePosEmb = true
	return a
}

// effectivePatch returns the patch size at the adapter's stride level.
func (a *PatchedInput) effectivePatch() (h, w int) {
	h = max(1, a.PatchHeight/a.StrideLevel)
	w = max(1, a.PatchWidth/a.StrideLevel)
	return
}

// Init implements InputAdapter. It fixes the token dimension and prepares
// the positional embedding grid.
func (a *PatchedInput) Init(dimTokens int) error {
	if dimTokens <= 0 {
		return errors.Errorf("PatchedInput.Init: dimTokens must be positive, got %d", dimTokens)
	}
	if a.NumChannels <= 0 || a.StrideLevel <= 0 || a.PatchHeight <= 0 || a.PatchWidth <= 0 {
		return errors.Errorf("PatchedInput.Init: invalid adapter geometry (channels=%d, stride=%d, patch=%dx%d)",
			a.NumChannels, a.StrideLevel, a.PatchHeight, a.PatchWidth)
	}
	a.patchH, a.patchW = a.effectivePatch()
	a.gridH = a.ImageHeight / (a.StrideLevel * a.patchH)
	a.gridW = a.ImageWidth / (a.StrideLevel * a.patchW)
	if a.gridH <= 0 || a.gridW <= 0 {
		return errors.Errorf("PatchedInput.Init: image size %dx%d too small for stride %d and patch %dx%d",
			a.ImageHeight, a.ImageWidth, a.StrideLevel, a.patchH, a.patchW)
	}
	a.dimTokens = dimTokens
	if !a.LearnablePosEmb {
		sincos, err := posembed.Sincos2D(a.gridH, a.gridW, dimTokens, a.Temperature)
		if err != nil {
			return errors.WithMessage(err, "PatchedInput.Init")
		}
		a.sincos = sincos
	}
	return nil
}

// InputShape implements InputAdapter.
func (a *PatchedInput) InputShape() (channels, height, width int) {
	return a.NumChannels, a.ImageHeight / a.StrideLevel, a.ImageWidth / a.StrideLevel
}

// Stride implements InputAdapter.
func (a *PatchedInput) Stride() int { return a.StrideLevel }

// posEmbVariable creates (or reuses) the positional embedding variable,
// shaped [1, dimTokens, gridH, gridW]. Sin-cos embeddings are created with
// their fixed table and marked non-trainable; learnable ones start from a
// small random normal.
func (a *PatchedInput) posEmbVariable(ctx *context.Context, dtype dtypes.DType) *context.Variable {
	shape := shapes.Make(dtype, 1, a.dimTokens, a.gridH, a.gridW)
	var posEmbVar *context.Variable
	if a.LearnablePosEmb {
		posEmbVar = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
			VariableWithShape("pos_emb", shape)
	} else {
		sincos := a.sincos
		posEmbVar = ctx.WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
			return ConvertDType(Const(g, sincos), shape.DType)
		}).VariableWithShape("pos_emb", shape)
		posEmbVar.Trainable = false
	}
	return posEmbVar
}

// Encode implements InputAdapter: [batch, channels, height, width] tokens
// out shaped [batch, (height/patchH)*(width/patchW), dimTokens].
//
// The projection with kernel and stride equal to the patch size is
// expressed as patch extraction (reshape/transpose) followed by a dense
// layer, which computes the same projection.
func (a *PatchedInput) Encode(ctx *context.Context, x *Node) *Node {
	if a.dimTokens == 0 {
		exceptions.Panicf("PatchedInput: Init(dimTokens) must be called before Encode")
	}
	shape := x.Shape()
	if shape.Rank() != 4 {
		exceptions.Panicf("PatchedInput: input must be rank-4 [batch, channels, height, width], got %s", shape)
	}
	batch := shape.Dimensions[0]
	channels := shape.Dimensions[1]
	h, w := shape.Dimensions[2], shape.Dimensions[3]
	if channels != a.NumChannels {
		exceptions.Panicf("PatchedInput: expected %d input channels, got %d", a.NumChannels, channels)
	}
	if h%a.patchH != 0 || w%a.patchW != 0 {
		exceptions.Panicf("PatchedInput: image size %dx%d must be divisible by patch size %dx%d",
			h, w, a.patchH, a.patchW)
	}
	numH, numW := h/a.patchH, w/a.patchW

	// [B, C, H, W] -> [B, numH, numW, patchH*patchW*C] -> [B, N, D]
	patches := TransposeAllDims(x, 0, 2, 3, 1)
	patches = Reshape(patches, batch, numH, a.patchH, numW, a.patchW, channels)
	patches = TransposeAllDims(patches, 0, 1, 3, 2, 4, 5)
	patches = Reshape(patches, batch, numH*numW, a.patchH*a.patchW*channels)
	tokens := layers.Dense(ctx.In("proj"), patches, true, a.dimTokens)

	// Positional embedding, resampled to the current token grid and
	// flattened the same way as the patches.
	g := x.Graph()
	posEmb := a.posEmbVariable(ctx, x.DType()).ValueGraph(g)
	posEmb = posembed.ResampleGraph(posEmb, numH, numW)
	posEmb = TransposeAllDims(posEmb, 0, 2, 3, 1)
	posEmb = Reshape(posEmb, 1, numH*numW, a.dimTokens)

	return Add(tokens, posEmb)
}
