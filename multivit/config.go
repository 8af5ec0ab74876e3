// Package multivit implements a multi-modal vision transformer: several
// spatial modalities are each patched into token sequences, fused into one
// sequence together with a set of global tokens, processed by a shared
// transformer encoder and decoded by per-task output adapters into dense
// predictions.
package multivit

import (
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/trees"
	"github.com/pkg/errors"
)

// Config of the shared transformer encoder. Create it with NewConfig and
// adjust the exported fields before building the model.
type Config struct {
	DType dtypes.DType

	// DimTokens is the width of every token in the fused sequence.
	DimTokens int

	// NumLayers of the transformer encoder.
	NumLayers int

	// NumHeads of each self-attention layer. Must divide DimTokens.
	NumHeads int

	// MLPRatio scales the hidden dimension of the per-layer MLP.
	MLPRatio float64

	// QKVBias adds a bias term to the fused query/key/value projection.
	QKVBias bool

	// NumGlobalTokens appended after the task tokens. They attend to all
	// modalities and are discarded by the output adapters.
	NumGlobalTokens int

	// DropRate applied after projections and inside the MLPs.
	DropRate float64

	// AttnDropRate applied to the attention weights.
	AttnDropRate float64

	// DropPathRate is the stochastic depth rate of the last layer; earlier
	// layers scale it linearly from 0.
	DropPathRate float64
}

// NewConfig returns the base configuration: 12 layers of width 768 with 12
// heads, one global token and stochastic depth 0.1.
func NewConfig() *Config {
	return &Config{
		DType:           dtypes.Float32,
		DimTokens:       768,
		NumLayers:       12,
		NumHeads:        12,
		MLPRatio:        4.0,
		QKVBias:         true,
		NumGlobalTokens: 1,
		DropPathRate:    0.1,
	}
}

// NewConfigLarge returns the large configuration: 24 layers of width 1024
// with 16 heads.
func NewConfigLarge() *Config {
	c := NewConfig()
	c.DimTokens = 1024
	c.NumLayers = 24
	c.NumHeads = 16
	return c
}

// Validate returns an error if the configuration is inconsistent.
func (c *Config) Validate() error {
	if c.DimTokens <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("config: DimTokens=%d, NumLayers=%d and NumHeads=%d must all be positive",
			c.DimTokens, c.NumLayers, c.NumHeads)
	}
	if c.DimTokens%c.NumHeads != 0 {
		return errors.Errorf("config: DimTokens=%d must be divisible by NumHeads=%d", c.DimTokens, c.NumHeads)
	}
	if c.MLPRatio <= 0 {
		return errors.Errorf("config: MLPRatio=%g must be positive", c.MLPRatio)
	}
	if c.NumGlobalTokens < 0 {
		return errors.Errorf("config: NumGlobalTokens=%d must not be negative", c.NumGlobalTokens)
	}
	for name, rate := range map[string]float64{
		"DropRate": c.DropRate, "AttnDropRate": c.AttnDropRate, "DropPathRate": c.DropPathRate} {
		if rate < 0 || rate >= 1 {
			return errors.Errorf("config: %s=%g must be in [0, 1)", name, rate)
		}
	}
	return nil
}

// HeadDim is the per-head width of the attention layers.
func (c *Config) HeadDim() int { return c.DimTokens / c.NumHeads }

// HiddenDim is the MLP hidden width.
func (c *Config) HiddenDim() int { return int(float64(c.DimTokens) * c.MLPRatio) }

// NewConfigFromCheckpoint infers a configuration from the structure of
// loaded checkpoint parameters: the encoder depth from the number of layer
// scopes, the token width and global token count from the global tokens
// parameter, and the dtype from the leaves.
func NewConfigFromCheckpoint(params *trees.Tree[*tensors.Tensor]) (*Config, error) {
	c := NewConfig()

	for _, p := range params.Leaves() {
		c.DType = p.DType()
		break
	}
	for _, p := range params.Leaves() {
		if c.DType != p.DType() {
			return nil, errors.New("can't infer dtype, different parameters have different dtypes")
		}
	}

	globalTokens, found := params.Get(trees.Path{"global_tokens"})
	if !found {
		return nil, errors.New("checkpoint has no global_tokens parameter")
	}
	shape := globalTokens.Shape()
	if shape.Rank() != 3 {
		return nil, errors.Errorf("global_tokens must be rank-3 [1, numTokens, dim], got %s", shape)
	}
	c.NumGlobalTokens = shape.Dimensions[1]
	c.DimTokens = shape.Dimensions[2]

	numLayers := 0
	if sub := params.Root.Map["encoder"]; sub != nil {
		for key := range sub.Map {
			if strings.HasPrefix(key, "layer_") {
				numLayers++
			}
		}
	}
	if numLayers == 0 {
		return nil, errors.New("checkpoint has no encoder.layer_* parameters")
	}
	c.NumLayers = numLayers

	if c.DimTokens%c.NumHeads != 0 {
		// A non-standard width; fall back to 64-wide heads.
		c.NumHeads = max(1, c.DimTokens/64)
	}
	return c, nil
}
