package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
	ellipsis        = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(method, ansiGreen, color)
	case "POST":
		return paint(method, ansiCyan, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return method
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(statusClass(code)), color)
}

func colorizeStatusClass(class string, color bool) string {
	return paint(class, statusColor(class), color)
}

func statusColor(class string) string {
	switch {
	case strings.HasPrefix(class, "2"):
		return ansiGreen
	case strings.HasPrefix(class, "3"):
		return ansiCyan
	case strings.HasPrefix(class, "4"):
		return ansiYellow
	case strings.HasPrefix(class, "5"):
		return ansiRed
	default:
		return ""
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func truncateVisual(s string, max int) string {
	if max <= 0 || visualLen(s) <= max {
		return s
	}
	runes := []rune(stripANSI(s))
	if max == 1 {
		return ellipsis
	}
	return string(runes[:max-1]) + ellipsis
}

// wrapSegments packs segments into lines no wider than width. Continuation lines start
// with prefix; a segment wider than a line is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, prefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segments, sep)}
	}

	var lines []string
	cur := ""
	startLine := func(seg string) {
		p := ""
		if len(lines) > 0 {
			p = prefix
		}
		cur = p + truncateVisual(seg, width-visualLen(p))
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if cur == "" {
			startLine(seg)
			continue
		}
		if visualLen(cur)+visualLen(sep)+visualLen(seg) <= width {
			cur += sep + seg
			continue
		}
		lines = append(lines, cur)
		startLine(seg)
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

// terminalWidth resolves CHAT_LOG_WIDTH, then COLUMNS, then the default. Values
// below minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"CHAT_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}
