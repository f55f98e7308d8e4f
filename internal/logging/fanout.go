package logging

import (
	"context"
	"log/slog"
)

// fanoutHandler writes every record to both the primary handler (JSON
// to file/stderr) and the secondary one (the otelslog bridge), so
// enabling OtelBridge never costs the local log stream.
type fanoutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level) || f.secondary.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := f.primary.Handle(ctx, record.Clone()); err != nil {
		return err
	}
	return f.secondary.Handle(ctx, record.Clone())
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{
		primary:   f.primary.WithAttrs(attrs),
		secondary: f.secondary.WithAttrs(attrs),
	}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{
		primary:   f.primary.WithGroup(name),
		secondary: f.secondary.WithGroup(name),
	}
}
