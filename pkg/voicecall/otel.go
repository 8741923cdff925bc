package voicecall

import (
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func appendVersionAttr(out []attribute.KeyValue, m *debug.Module) []attribute.KeyValue {
	switch m.Path {
	case "github.com/livekit/voicecall":
		out = append(out, attribute.String(
			"livekit.voicecall.version", m.Version,
		))
	case "github.com/livekit/protocol":
		out = append(out, attribute.String(
			"livekit.protocol.version", m.Version,
		))
	}
	return out
}

func getVersions() []attribute.KeyValue {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	var out []attribute.KeyValue
	out = appendVersionAttr(out, &info.Main)
	for _, d := range info.Deps {
		out = appendVersionAttr(out, d)
	}
	return out
}

var tracer = otel.Tracer(
	"github.com/livekit/voicecall",
	trace.WithInstrumentationAttributes(getVersions()...),
)
