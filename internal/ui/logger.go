// Package ui implements colorized startup and runtime logging: the banner,
// timestamped status lines, and per-connection admission/rejection lines.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	clrDim     = color.New(color.FgHiBlack)
	clrSubtle  = color.New(color.FgWhite)
	clrAccent  = color.New(color.FgCyan, color.Bold)
	clrSuccess = color.New(color.FgGreen)
	clrError   = color.New(color.FgRed)
	clrWarning = color.New(color.FgYellow)

	badgePrimary = color.New(color.BgCyan, color.FgBlack, color.Bold)
)

// Box-drawing characters shared with banner.go.
const (
	boxTopLeft     = "╭"
	boxTopRight    = "╮"
	boxBottomLeft  = "╰"
	boxBottomRight = "╯"
	boxHorizontal  = "─"
	boxVertical    = "│"
)

// levelRank orders log categories for LOG_LEVEL filtering. "success" lines
// are informational.
var levelRank = map[string]int{
	"debug":   0,
	"info":    1,
	"success": 1,
	"warning": 2,
	"error":   3,
}

var minRank = levelRank["info"]

// Configure applies LOG_LEVEL and LOG_PRETTY: level sets the minimum
// category LogStatus will print, and pretty forces color output even when
// stdout is not a terminal (otherwise color auto-disables when piped).
func Configure(level string, pretty bool) {
	if r, ok := levelRank[level]; ok {
		minRank = r
	}
	if pretty {
		color.NoColor = false
	}
}

// LogStatus prints a single timestamped status line with a category icon.
func LogStatus(category, message string) {
	rank, ok := levelRank[category]
	if !ok {
		rank = levelRank["info"]
	}
	if rank < minRank {
		return
	}

	ts := clrDim.Sprint(time.Now().Format("15:04:05"))

	var icon string
	var styledMsg string

	switch category {
	case "success":
		icon = clrSuccess.Sprint("✔")
		styledMsg = clrSuccess.Sprint(message)
	case "error":
		icon = clrError.Sprint("✖")
		styledMsg = clrError.Sprint(message)
	case "warning":
		icon = clrWarning.Sprint("⚠")
		styledMsg = clrWarning.Sprint(message)
	case "info":
		icon = clrDim.Sprint("ℹ")
		styledMsg = clrSubtle.Sprint(message)
	default:
		icon = clrDim.Sprint("●")
		styledMsg = clrSubtle.Sprint(message)
	}

	fmt.Printf("%s  %s  %s\n", ts, icon, styledMsg)
}

// LogSection prints a labeled horizontal divider.
func LogSection(title string) {
	if minRank > levelRank["info"] {
		return
	}
	fmt.Println()
	pad := 50 - len(title)
	if pad < 0 {
		pad = 0
	}
	fmt.Printf("%s %s %s\n",
		clrDim.Sprint("──"),
		clrAccent.Sprint(title),
		clrDim.Sprint(strings.Repeat("─", pad)))
}

// LogAdmission reports a connection that cleared the allow-list and rate
// limiter and whose upstream dial has succeeded.
func LogAdmission(sni, clientAddr, upstream string) {
	if minRank > levelRank["info"] {
		return
	}
	ts := clrDim.Sprint(time.Now().Format("15:04:05"))
	fmt.Printf("%s  %s  %s  %s %s  %s %s\n",
		ts,
		clrSuccess.Sprint("→"),
		clrAccent.Sprintf("%-40s", sni),
		clrDim.Sprint("from"), clrSubtle.Sprintf("%-22s", clientAddr),
		clrDim.Sprint("to"), clrSubtle.Sprint(upstream))
}

// LogRelay reports a completed splice: the SNI, the client, and the bytes
// moved in each direction.
func LogRelay(sni, clientAddr string, up, down int64) {
	if minRank > levelRank["info"] {
		return
	}
	ts := clrDim.Sprint(time.Now().Format("15:04:05"))
	fmt.Printf("%s  %s  %s  %s %s  %s %s  %s %s\n",
		ts,
		clrSuccess.Sprint("✔"),
		clrAccent.Sprintf("%-40s", sni),
		clrDim.Sprint("from"), clrSubtle.Sprintf("%-22s", clientAddr),
		clrDim.Sprint("↑"), clrSubtle.Sprint(humanBytes(up)),
		clrDim.Sprint("↓"), clrSubtle.Sprint(humanBytes(down)))
}

// humanBytes renders n as a short base-1024 size string.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// LogRejection reports a connection closed before or during admission.
func LogRejection(clientAddr, reason string) {
	if minRank > levelRank["warning"] {
		return
	}
	ts := clrDim.Sprint(time.Now().Format("15:04:05"))
	fmt.Printf("%s  %s  %s  %s %s\n",
		ts,
		clrError.Sprint("✖"),
		clrSubtle.Sprintf("%-22s", clientAddr),
		clrDim.Sprint("reason"), clrWarning.Sprint(reason))
}
