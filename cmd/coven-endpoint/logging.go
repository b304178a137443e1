// ABOUTME: Logger setup for coven-endpoint: colorized text for terminals, JSON for collectors
// ABOUTME: colorHandler tags lines with their component and gives each agent id a stable color

package main

import (
	"context"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-endpoint/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newLogHandler(os.Stdout, cfg))
}

func newLogHandler(out io.Writer, cfg config.LoggingConfig) slog.Handler {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return &colorHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// Attribute keys rendered specially by colorHandler.
const (
	componentKey = "component"
	agentIDKey   = "agent_id"
	featureKey   = "feature"
)

// agentPalette colors agent ids. An id always hashes to the same entry so one
// agent's lines can be followed through interleaved output.
var agentPalette = []*color.Color{
	color.New(color.FgGreen),
	color.New(color.FgBlue),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgHiCyan),
	color.New(color.FgHiGreen),
}

func agentColor(id string) *color.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return agentPalette[h.Sum32()%uint32(len(agentPalette))]
}

// colorHandler renders one line per record:
//
//	15:04:05 INF [router] envelope routed agent_id=a1 msg_id=4
//
// The innermost component attr becomes the bracketed tag. Derived handlers
// share one mutex so lines never interleave.
type colorHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey && len(h.groups) == 0 {
			component = a.Value.String()
		}
		return true
	})
	if component != "" {
		buf.WriteString(color.BlueString("[" + component + "] "))
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey && prefix == "" {
			return true
		}
		writeAttr(&buf, prefix, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))

	value := a.Value.String()
	switch a.Key {
	case "error":
		buf.WriteString(color.RedString(value))
	case agentIDKey:
		buf.WriteString(agentColor(value).Sprint(value))
	case featureKey:
		buf.WriteString(color.New(color.Bold).Sprint(value))
	default:
		buf.WriteString(value)
	}
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups, ".") + "."
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := groupPrefix(h.groups)
	component := h.component

	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		if a.Key == componentKey && prefix == "" {
			component = a.Value.String()
			continue
		}
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		mu:        h.mu,
		out:       h.out,
		level:     h.level,
		component: component,
		attrs:     newAttrs,
		groups:    h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:        h.mu,
		out:       h.out,
		level:     h.level,
		component: h.component,
		attrs:     h.attrs,
		groups:    newGroups,
	}
}
