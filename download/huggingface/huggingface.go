// Package huggingface downloads pre-trained vision transformer backbones
// from HuggingFace and converts them into the parameter tree layout used
// by this model, ready to be restored with the checkpoints package.
//
// The conversion understands timm-style ViT checkpoints: the class token,
// the per-block attention and MLP weights, and per-modality patch
// projections and positional embeddings. Linear weights are transposed
// from [out, in] to the [in, out] layout used here. Entries that have no
// destination in the model, like the classification head, are skipped.
package huggingface

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/trees"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Download fetches (if needed) the model identified by hfID, a HuggingFace
// model id, caching it under cacheDir, and returns its parameters
// converted to this model's tree layout.
//
// The hfAuthToken is a read-only HuggingFace access token; it may be empty
// for public models.
func Download(hfID, hfAuthToken, cacheDir string) (*trees.Tree[*tensors.Tensor], error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return nil, err
	}
	if err = hfm.Download(); err != nil {
		return nil, err
	}

	params := trees.New[*tensors.Tensor]()
	for entry, err2 := range hfm.EnumerateTensors() {
		if err2 != nil {
			return nil, err2
		}
		treePath := convertName(entry.Name)
		if treePath == nil {
			klog.V(1).Infof("huggingface: skipping %s -> %s", entry.Name, entry.Tensor.Shape())
			continue
		}
		value := entry.Tensor
		switch {
		case treePath[len(treePath)-1] == "weights" && value.Shape().Rank() == 2:
			value, err = transpose2D(value)
		case treePath[len(treePath)-1] == "weights" && value.Shape().Rank() == 4:
			value, err = reshapeConvKernel(value)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "huggingface: converting %q", entry.Name)
		}
		if err = params.Set(treePath, value); err != nil {
			return nil, errors.WithMessagef(err, "huggingface: converting %q", entry.Name)
		}
	}
	return params, nil
}

// convertName maps a timm-style checkpoint entry name to this model's
// parameter tree path, or nil if the entry has no destination.
func convertName(name string) trees.Path {
	if name == "cls_token" {
		return trees.Path{"global_tokens"}
	}

	if rest, found := strings.CutPrefix(name, "input_adapters."); found {
		parts := strings.Split(rest, ".")
		if len(parts) < 2 {
			return nil
		}
		task := parts[0]
		switch strings.Join(parts[1:], ".") {
		case "pos_emb":
			return trees.Path{"input_adapters", task, "pos_emb"}
		case "proj.weight":
			return trees.Path{"input_adapters", task, "proj", "weights"}
		case "proj.bias":
			return trees.Path{"input_adapters", task, "proj", "biases"}
		}
		return nil
	}

	if rest, found := strings.CutPrefix(name, "blocks."); found {
		parts := strings.Split(rest, ".")
		if len(parts) < 3 {
			return nil
		}
		layer, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil
		}
		layerScope := fmt.Sprintf("layer_%d", layer)
		switch strings.Join(parts[1:], ".") {
		case "norm1.weight":
			return trees.Path{"encoder", layerScope, "norm1", "scale"}
		case "norm1.bias":
			return trees.Path{"encoder", layerScope, "norm1", "offset"}
		case "norm2.weight":
			return trees.Path{"encoder", layerScope, "norm2", "scale"}
		case "norm2.bias":
			return trees.Path{"encoder", layerScope, "norm2", "offset"}
		case "attn.qkv.weight":
			return trees.Path{"encoder", layerScope, "attn", "qkv", "weights"}
		case "attn.qkv.bias":
			return trees.Path{"encoder", layerScope, "attn", "qkv", "biases"}
		case "attn.proj.weight":
			return trees.Path{"encoder", layerScope, "attn", "proj", "weights"}
		case "attn.proj.bias":
			return trees.Path{"encoder", layerScope, "attn", "proj", "biases"}
		case "mlp.fc1.weight":
			return trees.Path{"encoder", layerScope, "mlp", "fc1", "weights"}
		case "mlp.fc1.bias":
			return trees.Path{"encoder", layerScope, "mlp", "fc1", "biases"}
		case "mlp.fc2.weight":
			return trees.Path{"encoder", layerScope, "mlp", "fc2", "weights"}
		case "mlp.fc2.bias":
			return trees.Path{"encoder", layerScope, "mlp", "fc2", "biases"}
		}
		return nil
	}
	return nil
}

// reshapeConvKernel converts a [outDim, channels, ph, pw] patch projection
// kernel into the flattened [ph*pw*channels, outDim] dense layout: patches
// are flattened row-first, column, then channel, so the dense projection
// computes the same map as the strided convolution.
func reshapeConvKernel(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("only float32 kernels are supported, got %s", t.DType())
	}
	dims := t.Shape().Dimensions
	outDim, channels, ph, pw := dims[0], dims[1], dims[2], dims[3]
	result := tensors.FromShape(shapes.Make(t.DType(), ph*pw*channels, outDim))
	tensors.ConstFlatData(t, func(src []float32) {
		tensors.MutableFlatData(result, func(dst []float32) {
			for d := range outDim {
				for c := range channels {
					for y := range ph {
						for x := range pw {
							dst[((y*pw+x)*channels+c)*outDim+d] = src[((d*channels+c)*ph+y)*pw+x]
						}
					}
				}
			}
		})
	})
	return result, nil
}

// transpose2D converts a [out, in] linear kernel to [in, out].
func transpose2D(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("only float32 kernels are supported, got %s", t.DType())
	}
	dims := t.Shape().Dimensions
	rows, cols := dims[0], dims[1]
	result := tensors.FromShape(shapes.Make(t.DType(), cols, rows))
	tensors.ConstFlatData(t, func(src []float32) {
		tensors.MutableFlatData(result, func(dst []float32) {
			for r := range rows {
				for c := range cols {
					dst[c*rows+r] = src[r*cols+c]
				}
			}
		})
	})
	return result, nil
}
