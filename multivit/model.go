package multivit

import (
	"fmt"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/multivit/adapters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MultiViT is a multi-modal vision transformer: each input adapter encodes
// one modality into tokens, the token sequences are concatenated in sorted
// modality name order followed by the global tokens, the fused sequence runs
// through the shared encoder, and each output adapter decodes it into a
// dense per-task prediction.
type MultiViT struct {
	Config *Config

	backend        backends.Backend
	ctx            *context.Context
	inputAdapters  map[string]adapters.InputAdapter
	outputAdapters map[string]adapters.OutputAdapter
	inputOrder     []string
	outputOrder    []string

	execLast *context.Exec
	execAll  *context.Exec
}

// New assembles a model: it validates the configuration, initializes every
// adapter with the token dimension and materializes the model variables so
// they can be inspected or overwritten by a checkpoint before the first
// execution.
func New(backend backends.Backend, config *Config,
	inputAdapters map[string]adapters.InputAdapter,
	outputAdapters map[string]adapters.OutputAdapter) (*MultiViT, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(inputAdapters) == 0 {
		return nil, errors.New("multivit: at least one input adapter is required")
	}
	m := &MultiViT{
		Config:         config,
		backend:        backend,
		ctx:            context.New(),
		inputAdapters:  inputAdapters,
		outputAdapters: outputAdapters,
	}
	for name, adapter := range inputAdapters {
		if err := adapter.Init(config.DimTokens); err != nil {
			return nil, errors.WithMessagef(err, "multivit: input adapter %q", name)
		}
		m.inputOrder = append(m.inputOrder, name)
	}
	sort.Strings(m.inputOrder)
	for name, adapter := range outputAdapters {
		if err := adapter.Init(config.DimTokens); err != nil {
			return nil, errors.WithMessagef(err, "multivit: output adapter %q", name)
		}
		m.outputOrder = append(m.outputOrder, name)
	}
	sort.Strings(m.outputOrder)
	if err := m.materializeVariables(); err != nil {
		return nil, err
	}
	return m, nil
}

// Context with the model variables. Checkpoints are applied to it, and
// optimizers read and update its variables.
func (m *MultiViT) Context() *context.Context { return m.ctx }

// NumParameters is the total element count over all model variables.
func (m *MultiViT) NumParameters() int {
	total := 0
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		total += v.Shape().Size()
	})
	return total
}

// InputOrder is the fusion order of the modalities, sorted by name.
func (m *MultiViT) InputOrder() []string { return m.inputOrder }

// materializeVariables builds the forward graph once on a throwaway
// uncompiled graph, so every model variable exists and can be overwritten
// by a checkpoint before the first execution.
func (m *MultiViT) materializeVariables() error {
	g := NewGraph(m.backend, "multivit_init")
	err := exceptions.TryCatch[error](func() {
		inputs := make([]*Node, 0, len(m.inputOrder))
		for idx, name := range m.inputOrder {
			channels, height, width := m.inputAdapters[name].InputShape()
			shape := shapes.Make(m.Config.DType, 1, channels, height, width)
			inputs = append(inputs, Parameter(g, fmt.Sprintf("input_%d", idx), shape))
		}
		m.forwardGraph(m.ctx, inputs, false)
	})
	g.Finalize()
	if err != nil {
		return errors.WithMessage(err, "multivit: building model graph")
	}
	numParams := 0
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		numParams += v.Shape().Size()
	})
	klog.V(1).Infof("multivit: model assembled with %d parameters", numParams)
	return nil
}

// buildInputInfo computes the token layout of the fused sequence from the
// per-modality token counts, in the given fusion order.
func buildInputInfo(order []string, numTokens map[string]int, numGlobalTokens, imageHeight, imageWidth int) *adapters.InputInfo {
	info := &adapters.InputInfo{
		Tasks:           make(map[string]adapters.TokenRange, len(order)),
		Order:           append([]string(nil), order...),
		NumGlobalTokens: numGlobalTokens,
		ImageHeight:     imageHeight,
		ImageWidth:      imageWidth,
	}
	offset := 0
	for _, name := range order {
		n := numTokens[name]
		info.Tasks[name] = adapters.TokenRange{Start: offset, End: offset + n}
		offset += n
		info.NumTaskTokens += n
	}
	return info
}

// forwardGraph builds the whole forward computation. It returns one output
// per output adapter (in sorted name order), or the raw per-layer token
// sequences when the model has no output adapters or allLayers is set.
func (m *MultiViT) forwardGraph(ctx *context.Context, inputs []*Node, allLayers bool) []*Node {
	g := inputs[0].Graph()
	batchSize := inputs[0].Shape().Dimensions[0]

	// Per-modality tokens, and the implied full-resolution image size.
	imageHeight, imageWidth := 0, 0
	numTokens := make(map[string]int, len(m.inputOrder))
	tokens := make([]*Node, 0, len(m.inputOrder)+1)
	for idx, name := range m.inputOrder {
		adapter := m.inputAdapters[name]
		x := inputs[idx]
		if x.Shape().Dimensions[0] != batchSize {
			exceptions.Panicf("multivit: modality %q has batch size %d, others have %d",
				name, x.Shape().Dimensions[0], batchSize)
		}
		stride := adapter.Stride()
		fullH := x.Shape().Dimensions[2] * stride
		fullW := x.Shape().Dimensions[3] * stride
		if imageHeight == 0 {
			imageHeight, imageWidth = fullH, fullW
		} else if fullH != imageHeight || fullW != imageWidth {
			exceptions.Panicf("multivit: modality %q implies full image size %dx%d, others imply %dx%d",
				name, fullH, fullW, imageHeight, imageWidth)
		}
		encoded := adapter.Encode(ctx.In("input_adapters").In(name), x)
		numTokens[name] = encoded.Shape().Dimensions[1]
		tokens = append(tokens, encoded)
	}

	// Global tokens, broadcast over the batch, trail the sequence.
	if m.Config.NumGlobalTokens > 0 {
		globalVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
			VariableWithShape("global_tokens",
				shapes.Make(m.Config.DType, 1, m.Config.NumGlobalTokens, m.Config.DimTokens))
		global := globalVar.ValueGraph(g)
		global = BroadcastToDims(global, batchSize, m.Config.NumGlobalTokens, m.Config.DimTokens)
		tokens = append(tokens, global)
	}
	fused := tokens[0]
	if len(tokens) > 1 {
		fused = Concatenate(tokens, 1)
	}

	layerOutputs := Encoder(ctx.In("encoder"), m.Config, fused)

	if allLayers || len(m.outputAdapters) == 0 {
		return layerOutputs
	}
	info := buildInputInfo(m.inputOrder, numTokens, m.Config.NumGlobalTokens, imageHeight, imageWidth)
	outputs := make([]*Node, 0, len(m.outputOrder))
	for _, name := range m.outputOrder {
		outputs = append(outputs, m.outputAdapters[name].Decode(ctx.In("output_adapters").In(name), layerOutputs, info))
	}
	return outputs
}

// Forward runs the model on a batch of modality inputs, each shaped
// [batch, channels, height, width], and returns one dense prediction per
// output adapter, keyed by task name. Models without output adapters
// return the final token sequence under the key "tokens".
func (m *MultiViT) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	args, err := m.orderedInputs(inputs)
	if err != nil {
		return nil, err
	}
	if m.execLast == nil {
		m.execLast = context.NewExec(m.backend, m.ctx.Reuse(),
			func(ctx *context.Context, inputs []*Node) []*Node {
				return m.forwardGraph(ctx, inputs, false)
			})
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { results = m.execLast.Call(args...) })
	if err != nil {
		return nil, errors.WithMessage(err, "multivit: Forward")
	}
	named := make(map[string]*tensors.Tensor, len(results))
	if len(m.outputAdapters) == 0 {
		named["tokens"] = results[len(results)-1]
		return named, nil
	}
	for idx, name := range m.outputOrder {
		named[name] = results[idx]
	}
	return named, nil
}

// ForwardRGB is a shortcut for single-modality models: the tensor is fed
// as the "rgb" modality.
func (m *MultiViT) ForwardRGB(rgb *tensors.Tensor) (map[string]*tensors.Tensor, error) {
	return m.Forward(map[string]*tensors.Tensor{"rgb": rgb})
}

// ForwardAllLayers is like Forward but skips the output adapters and
// returns every encoder layer's token sequence, ordered first to last.
func (m *MultiViT) ForwardAllLayers(inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	args, err := m.orderedInputs(inputs)
	if err != nil {
		return nil, err
	}
	if m.execAll == nil {
		m.execAll = context.NewExec(m.backend, m.ctx.Reuse(),
			func(ctx *context.Context, inputs []*Node) []*Node {
				return m.forwardGraph(ctx, inputs, true)
			})
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { results = m.execAll.Call(args...) })
	if err != nil {
		return nil, errors.WithMessage(err, "multivit: ForwardAllLayers")
	}
	return results, nil
}

// orderedInputs checks the given modalities against the input adapters and
// returns them in fusion order as generic exec arguments.
func (m *MultiViT) orderedInputs(inputs map[string]*tensors.Tensor) ([]any, error) {
	if len(inputs) != len(m.inputOrder) {
		return nil, errors.Errorf("multivit: model takes %d modalities %v, got %d",
			len(m.inputOrder), m.inputOrder, len(inputs))
	}
	args := make([]any, 0, len(m.inputOrder))
	for _, name := range m.inputOrder {
		input, found := inputs[name]
		if !found {
			return nil, errors.Errorf("multivit: missing input for modality %q", name)
		}
		args = append(args, input)
	}
	return args, nil
}

// NoWeightDecay returns the variable scopes that weight decay must skip:
// the global tokens and every positional embedding.
func (m *MultiViT) NoWeightDecay() map[string]bool {
	skip := map[string]bool{"global_tokens": true}
	for _, name := range m.inputOrder {
		skip["input_adapters."+name+".pos_emb"] = true
	}
	return skip
}
