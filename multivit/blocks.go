package multivit

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// Attention is one multi-head self-attention layer over the fused token
// sequence x, shaped [batchSize, seqLen, dimTokens].
func Attention(ctx *context.Context, config *Config, x *Node) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	seqLen := x.Shape().Dimensions[1]
	numHeads := config.NumHeads
	headDim := config.HeadDim()

	// B = batchSize
	// T = seqLen
	// S = 3, for the stacked query, key and value projections
	// N = numHeads
	// H = headDim
	qkv := layers.Dense(ctx.In("qkv"), x, config.QKVBias, 3*config.DimTokens)
	qkv = Reshape(qkv, batchSize, seqLen, 3, numHeads, headDim)
	qkv = TransposeAllDims(qkv, 2, 0, 3, 1, 4) // [S, B, N, T, H]
	query := Squeeze(Slice(qkv, AxisElem(0)), 0)
	key := Squeeze(Slice(qkv, AxisElem(1)), 0)
	value := Squeeze(Slice(qkv, AxisElem(2)), 0)

	query = MulScalar(query, 1.0/math.Sqrt(float64(headDim)))
	attn := Einsum("BNTH,BNSH->BNTS", query, key)
	attn = Softmax(attn, -1)
	if config.AttnDropRate > 0 {
		attn = layers.Dropout(ctx.In("attn_drop"), attn, ConstAsDType(g, attn.DType(), config.AttnDropRate))
	}

	out := Einsum("BNTS,BNSH->BNTH", attn, value)
	out = TransposeAllDims(out, 0, 2, 1, 3) // [B, T, N, H]
	out = Reshape(out, batchSize, seqLen, config.DimTokens)
	out = layers.DenseWithBias(ctx.In("proj"), out, config.DimTokens)
	if config.DropRate > 0 {
		out = layers.Dropout(ctx.In("proj_drop"), out, ConstAsDType(g, out.DType(), config.DropRate))
	}
	return out
}

// MLP is the per-layer feed-forward block: a GELU hidden layer of
// HiddenDim followed by a projection back to DimTokens.
func MLP(ctx *context.Context, config *Config, x *Node) *Node {
	g := x.Graph()
	x = layers.Dense(ctx.In("fc1"), x, true, config.HiddenDim())
	x = activations.Gelu(x)
	if config.DropRate > 0 {
		x = layers.Dropout(ctx.In("drop_1"), x, ConstAsDType(g, x.DType(), config.DropRate))
	}
	x = layers.Dense(ctx.In("fc2"), x, true, config.DimTokens)
	if config.DropRate > 0 {
		x = layers.Dropout(ctx.In("drop_2"), x, ConstAsDType(g, x.DType(), config.DropRate))
	}
	return x
}

// DropPath randomly zeroes whole samples of the residual branch during
// training (stochastic depth), rescaling the survivors to keep the
// expected value.
func DropPath(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	batchSize := x.Shape().Dimensions[0]
	keep := GreaterOrEqual(
		ctx.RandomUniform(g, shapes.Make(x.DType(), batchSize, 1, 1)),
		ConstAsDType(g, x.DType(), rate))
	return Mul(DivScalar(x, 1.0-rate), ConvertDType(keep, x.DType()))
}

// Block is one pre-norm transformer encoder layer with stochastic depth on
// both residual branches.
func Block(ctx *context.Context, config *Config, x *Node, dropPathRate float64) *Node {
	normed := layers.LayerNormalization(ctx.In("norm1"), x, -1).Done()
	x = Add(x, DropPath(ctx, Attention(ctx.In("attn"), config, normed), dropPathRate))
	normed = layers.LayerNormalization(ctx.In("norm2"), x, -1).Done()
	x = Add(x, DropPath(ctx, MLP(ctx.In("mlp"), config, normed), dropPathRate))
	return x
}

// Encoder runs the full stack of transformer layers and returns every
// layer's output, last entry being the final encoding. Stochastic depth
// grows linearly from 0 at the first layer to DropPathRate at the last.
func Encoder(ctx *context.Context, config *Config, x *Node) []*Node {
	outputs := make([]*Node, 0, config.NumLayers)
	for layerIdx := range config.NumLayers {
		dropPathRate := 0.0
		if config.NumLayers > 1 {
			dropPathRate = config.DropPathRate * float64(layerIdx) / float64(config.NumLayers-1)
		}
		x = Block(ctx.Inf("layer_%d", layerIdx), config, x, dropPathRate)
		outputs = append(outputs, x)
	}
	return outputs
}
