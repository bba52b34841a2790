// Package logctx enriches slog records with host-instance and request
// attributes carried in the context, so every line a host instance logs is
// attributable even when several instances share one process.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if hd, ok := ctx.Value(hostDataKey{}).(*HostData); ok {
		r.AddAttrs(slog.Group("host",
			slog.String("id", hd.Host),
			slog.Int("index", hd.Index),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type hostDataKey struct{}

type HostData struct {
	// Host is the instance's local host identifier.
	Host string
	// Index is the instance's position in the cluster configuration.
	Index int
}

func WithHostData(ctx context.Context, data *HostData) context.Context {
	return context.WithValue(ctx, hostDataKey{}, data)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
