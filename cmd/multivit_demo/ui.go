package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/multivit/multivit"
	"github.com/gomlx/multivit/posembed"
)

// saliencyCols/Rows is the terminal grid the prediction is rendered on.
const (
	saliencyCols = 64
	saliencyRows = 28
)

type uiModel struct {
	textarea  textarea.Model
	viewport  viewport.Model
	submitted bool
	model     *multivit.MultiViT
	err       error
}

func newUIModel() *uiModel {
	ta := textarea.New()
	ta.Placeholder = "RGB image path, optionally followed by a depth image path:"
	ta.Focus()

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Margin(1, 2).
		Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("99"))

	return &uiModel{
		textarea: ta,
		viewport: vp,
		model:    BuildModel(),
	}
}

func (m *uiModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd  tea.Cmd
		vpCmd  tea.Cmd
		cmds   []tea.Cmd
		resize bool
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc:
			return m, tea.Quit
		case msg.Type == tea.KeyCtrlL:
			m.textarea.Reset()

		case msg.Type == tea.KeyCtrlD && !m.submitted: // Ctrl+D to submit
			m.submitted = true
			rendered, err := m.Predict()
			if err != nil {
				m.err = err
				return m, tea.Quit
			}
			m.viewport.SetContent(rendered)

		case m.submitted && msg.Type == tea.KeyEnter: // Enter while submitted to edit
			m.submitted = false
			m.textarea.Focus()
		}

	case tea.WindowSizeMsg:
		resize = true
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 3
		m.textarea.SetWidth(msg.Width - 4)
		m.textarea.SetHeight(3)
	}

	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	if resize {
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(append(cmds, taCmd)...)
}

// Predict runs the model on the images named in the text area and renders
// the saliency map.
func (m *uiModel) Predict() (string, error) {
	fields := strings.Fields(m.textarea.Value())
	if len(fields) == 0 {
		return "", fmt.Errorf("no image path given")
	}
	size := *flagImageSize
	rgb, err := LoadRGB(fields[0], size)
	if err != nil {
		return "", err
	}
	depth := FlatDepth(size)
	if len(fields) > 1 {
		depth, err = LoadDepth(fields[1], size)
		if err != nil {
			return "", err
		}
	}
	outputs, err := m.model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	if err != nil {
		return "", err
	}
	return renderSaliency(outputs["semseg"])
}

// renderSaliency downscales a [1, 1, height, width] logit map to the
// terminal grid and renders it with a grayscale ramp, white is salient.
func renderSaliency(prediction *tensors.Tensor) (string, error) {
	small, err := posembed.Resample(prediction, saliencyRows, saliencyCols)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	tensors.ConstFlatData(small, func(flat []float32) {
		for row := range saliencyRows {
			for col := range saliencyCols {
				logit := float64(flat[row*saliencyCols+col])
				p := 1 / (1 + math.Exp(-logit))
				shade := 232 + int(p*23.999)
				style := lipgloss.NewStyle().Foreground(lipgloss.Color(fmt.Sprintf("%d", shade)))
				b.WriteString(style.Render("█"))
			}
			b.WriteString("\n")
		}
	})
	return b.String(), nil
}

func (m *uiModel) View() string {
	if m.submitted {
		return fmt.Sprintf("\n%s\n\nPress Enter to edit...", m.viewport.View())
	}

	return fmt.Sprintf(
		"\nModel with %s parameters loaded.\n\n%s\n\n"+
			"\t• Ctrl+C or ESC to quit;\n"+
			"\t• Ctrl+D to run the model;\n"+
			"\t• Ctrl+L to clear the input.\n",
		humanize.Comma(int64(m.model.NumParameters())),
		m.textarea.View(),
	)
}
