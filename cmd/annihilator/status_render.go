package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"annihilator/internal/progress"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	return paint(base, statusKindColor(kind), colorize)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	return []string{paint(line, ansiBlue, colorize), paint(rule, ansiBlue, colorize)}
}

// renderEvent formats one job event as a progress line.
func renderEvent(ev progress.Event, colorize bool) string {
	stage := ev.CurrentStage()
	prefix := fmt.Sprintf("[%3d%%] %-12s", stage.Percent(), stage.Label())
	switch e := ev.(type) {
	case progress.Progress:
		line := prefix + " " + e.Message
		if len(e.Files) > 0 {
			line += " (" + strings.Join(e.Files, ", ") + ")"
		}
		return strings.TrimRight(line, " ")
	case progress.Error:
		line := prefix + " " + e.Message
		if e.Detail != "" {
			line += ": " + e.Detail
		}
		return paint(line, ansiRed, colorize)
	case progress.Result:
		return paint(fmt.Sprintf("%s %s (job %s)", prefix, e.Message, e.ID), ansiGreen, colorize)
	default:
		return prefix
	}
}

func paint(text, color string, colorize bool) string {
	if !colorize || color == "" {
		return text
	}
	return color + text + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
