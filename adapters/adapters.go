// Package adapters implements the per-modality boundaries of the MultiViT
// model: input adapters turn spatial tensors into token sequences, output
// adapters turn encoder tokens back into dense spatial predictions.
//
// Adapters are selected by explicit lookup on the modality name; the model
// composes them through the two small interfaces below.
package adapters

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// TokenRange is a contiguous half-open token index range [Start, End).
type TokenRange struct {
	Start, End int
}

// Len returns the number of tokens in the range.
func (r TokenRange) Len() int { return r.End - r.Start }

// InputInfo describes where each modality's tokens live inside the fused
// encoder sequence of one forward pass. Ranges are contiguous,
// non-overlapping and cover exactly the task tokens; the trailing global
// tokens are outside every range.
//
// It is created per forward pass and discarded once the output adapters
// consumed it.
type InputInfo struct {
	// Tasks maps modality name to its token range, ranges laid out in
	// Order.
	Tasks map[string]TokenRange

	// Order is the modality concatenation order used to build the fused
	// sequence.
	Order []string

	// NumTaskTokens is the fused sequence length before global tokens.
	NumTaskTokens int

	// NumGlobalTokens appended after the task tokens.
	NumGlobalTokens int

	// ImageHeight, ImageWidth are the original full-resolution spatial
	// size, used by output adapters to size their prediction.
	ImageHeight, ImageWidth int
}

// InputAdapter converts one modality's spatial tensor into a token
// sequence.
type InputAdapter interface {
	// Init sets the token dimension this adapter projects into. It must be
	// called before Encode, and fails on invalid combinations (e.g. a
	// sin-cos positional embedding with dimTokens not divisible by 4).
	Init(dimTokens int) error

	// Encode builds the graph converting x, shaped [batch, channels,
	// height, width], into tokens shaped [batch, numPatches, dimTokens],
	// positional embedding included. Precondition violations abort graph
	// building.
	Encode(ctx *context.Context, x *Node) *Node

	// InputShape returns channels and the default spatial size of this
	// adapter's input (already divided by its stride level), used to
	// materialize parameters before the first real batch.
	InputShape() (channels, height, width int)

	// Stride returns the adapter's stride level relative to the
	// full-resolution image.
	Stride() int
}

// OutputAdapter decodes encoder tokens into a spatial prediction.
type OutputAdapter interface {
	// Init sets the encoder token dimension. Must be called before Decode.
	Init(dimTokensEnc int) error

	// Decode builds the graph turning the ordered per-layer encoder token
	// sequences (earliest first, final layer last) into a prediction
	// shaped [batch, numChannels, ImageHeight, ImageWidth].
	Decode(ctx *context.Context, encoderLayers []*Node, info *InputInfo) *Node
}
