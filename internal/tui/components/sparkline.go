package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline is a one-row scrolling chart scaled to its visible maximum.
type Sparkline struct {
	Data  []float64
	Width int
	Label string
	Style lipgloss.Style
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{Width: width, Label: label, Style: style, Data: make([]float64, 0, width)}
}

func (s *Sparkline) Add(v float64) {
	s.Data = append(s.Data, v)
	if len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}
}

func (s Sparkline) max() float64 {
	var m float64
	for _, v := range s.Data {
		m = max(m, v)
	}
	return m
}

// Graph renders only the bars, padded to Width.
func (s Sparkline) Graph() string {
	top := s.max()
	var b strings.Builder
	for _, v := range s.Data {
		idx := 0
		if top > 0 && v > 0 {
			idx = min(int(v/top*float64(len(levels)-1)+0.5), len(levels)-1)
		}
		b.WriteRune(levels[idx])
	}
	if pad := s.Width - len(s.Data); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	return b.String()
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}
	return s.Style.Render(s.Label) + "\n" + s.Style.Render(s.Graph())
}
