// Package cli renders analysis progress and results for the terminal.
package cli

import (
	"fmt"
	"strings"

	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/usecase"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1).
			Width(80)

	pendingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	inProgressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	completedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

func stepIcon(s model.StepStatus) string {
	switch s {
	case model.StepRunning:
		return inProgressStyle.Render("▶")
	case model.StepCompleted:
		return completedStyle.Render("✓")
	case model.StepError:
		return errorStyle.Render("✗")
	default:
		return pendingStyle.Render("·")
	}
}

// Progress renders the stage checklist of one snapshot.
func Progress(v *usecase.StatusView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render("会话 "+v.SessionID), dimStyle.Render(fmt.Sprintf("%s %d/%d", v.Status, v.CurrentStep, v.TotalSteps)))
	for i, d := range v.StepDetails {
		line := fmt.Sprintf("%s %d. %s", stepIcon(d.Status), i+1, d.Name)
		if d.Message != "" {
			line += "  " + dimStyle.Render(d.Message)
		}
		b.WriteString(line + "\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// Result renders the terminal snapshot: summary figures and the report text.
func Result(v *usecase.StatusView) string {
	s := v.Data
	if s == nil {
		return errorStyle.Render("no session data")
	}
	if v.Status == model.SessionFailed {
		return errorStyle.Render("分析失败: " + s.ErrorMessage)
	}

	var b strings.Builder
	if s.StockCode != "" {
		fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("%s (%s)", s.StockName, s.StockCode)))
	}
	if n := len(s.TimeSeriesOriginal); n > 0 {
		last := s.TimeSeriesOriginal[n-1]
		fmt.Fprintf(&b, "最新收盘 %s: %.2f\n", last.Date, last.Value)
	}
	if s.PredictionDone && len(s.TimeSeriesFull) > 0 {
		end := s.TimeSeriesFull[len(s.TimeSeriesFull)-1]
		fmt.Fprintf(&b, "%s 预测 %s 起, %s: %.2f\n", s.ModelName, s.PredictionStartDay, end.Date, end.Value)
	}
	if s.Emotion != nil {
		fmt.Fprintf(&b, "市场情绪 %.2f  %s\n", *s.Emotion, dimStyle.Render(s.EmotionDescription))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(s.Conclusion)
	if len(s.RagSources) > 0 {
		b.WriteString("\n\n" + dimStyle.Render("参考研报:"))
		for _, src := range s.RagSources {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("  %s 第%d页 (%.2f)", src.FileName, src.PageNumber, src.Score)))
		}
	}
	return boxStyle.Render(b.String())
}
