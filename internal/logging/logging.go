// Package logging builds the slog logger shared by every component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Topic names accepted by --log.
const (
	TopicProcess = "process"
	TopicBattery = "battery"
	TopicFlatpak = "flatpak"
	TopicStorage = "storage"
	TopicAll     = "all"
)

// Options configures New.
type Options struct {
	Level      slog.Level
	Topics     map[string]bool
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ParseTopics turns the --verbose and --log flags into a topic set.
func ParseTopics(verbose bool, list string) map[string]bool {
	topics := make(map[string]bool)
	if verbose {
		topics[TopicAll] = true
	}
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = true
		}
	}
	return topics
}

// ParseLevel maps a config level name to a slog level. Unknown names are warn.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// New returns a logger writing text records to stderr, or to a rotated file
// when opts.File is set. Enabling any topic lowers the level to debug so the
// selected topics are fully visible. The returned closer releases the file.
func New(opts Options, stderr io.Writer) (*slog.Logger, io.Closer) {
	out := stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		out, closer = lj, lj
	}

	level := opts.Level
	if len(opts.Topics) > 0 {
		level = slog.LevelDebug
	}
	topics := opts.Topics
	if topics == nil {
		topics = map[string]bool{}
	}
	handler := &topicHandler{
		inner:  slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}),
		topics: topics,
	}
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// topicHandler wraps an slog.Handler and filters records by a "topic" attribute.
// Records without a topic, and warnings or worse, always pass through.
// Other records with a topic only pass if that topic is enabled.
type topicHandler struct {
	inner  slog.Handler
	topics map[string]bool
	topic  string // set when WithAttrs includes a "topic" key
}

func (h *topicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *topicHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.topics[TopicAll] || r.Level >= slog.LevelWarn {
		return h.inner.Handle(ctx, r)
	}
	topic := h.topic
	if topic == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "topic" {
				topic = a.Value.String()
				return false
			}
			return true
		})
	}
	if topic != "" && !h.topics[topic] {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *topicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	topic := h.topic
	for _, a := range attrs {
		if a.Key == "topic" {
			topic = a.Value.String()
		}
	}
	return &topicHandler{inner: h.inner.WithAttrs(attrs), topics: h.topics, topic: topic}
}

func (h *topicHandler) WithGroup(name string) slog.Handler {
	return &topicHandler{inner: h.inner.WithGroup(name), topics: h.topics, topic: h.topic}
}
