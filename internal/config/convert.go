package config

import (
	"github.com/aiguy110/noil/internal/buffer"
	"github.com/aiguy110/noil/internal/fiber"
	"github.com/aiguy110/noil/internal/source"
	"github.com/aiguy110/noil/internal/timestamp"
)

// ToSourceReaderConfig builds the source.Config a Reader is constructed
// from, for the named source.
func (c *Config) ToSourceReaderConfig(sourceName string) (source.Config, error) {
	sc, ok := c.Sources[sourceName]
	if !ok {
		return source.Config{}, &ConfigRefError{Kind: "UndefinedSource", Msg: sourceName}
	}
	return source.Config{
		Path:             sc.Path,
		TimestampPattern: sc.Timestamp.Pattern,
		TimestampFormat:  timestamp.Format(sc.Timestamp.Format),
		Read: source.ReadConfig{
			Start:  source.ReadStart(sc.Read.Start),
			Follow: sc.Read.Follow,
		},
	}, nil
}

// ToFiberTypeConfig builds the fiber.TypeConfig a fiber type is
// compiled from, for the named fiber type. isSourceFiber marks a fiber
// type auto-generated from a source (see Config.AutoSourceFibers)
// rather than user-authored.
func (c *Config) ToFiberTypeConfig(fiberTypeName string, isSourceFiber bool) (fiber.TypeConfig, error) {
	ftc, ok := c.FiberTypes[fiberTypeName]
	if !ok {
		return fiber.TypeConfig{}, &ConfigRefError{Kind: "UndefinedFiberType", Msg: fiberTypeName}
	}

	attrs := make([]fiber.AttributeDef, 0, len(ftc.Attributes))
	for _, a := range ftc.Attributes {
		attrs = append(attrs, fiber.AttributeDef{
			Name:    a.Name,
			Type:    a.Type,
			IsKey:   a.Key,
			Derived: a.Derived,
		})
	}

	sources := make(map[string]fiber.SourceConfig, len(ftc.Sources))
	for srcName, fsc := range ftc.Sources {
		patterns := make([]fiber.PatternConfig, 0, len(fsc.Patterns))
		for _, p := range fsc.Patterns {
			patterns = append(patterns, fiber.PatternConfig{
				Regex:                   p.Regex,
				ReleaseMatchingPeerKeys: p.ReleaseMatchingPeerKeys,
				ReleaseSelfKeys:         p.ReleaseSelfKeys,
				Close:                   p.Close,
			})
		}
		sources[srcName] = fiber.SourceConfig{Patterns: patterns}
	}

	return fiber.TypeConfig{
		Temporal: fiber.TemporalConfig{
			MaxGap:  ftc.Temporal.MaxGap.Value,
			GapMode: fiber.GapMode(ftc.Temporal.GapMode),
		},
		Attributes:    attrs,
		Sources:       sources,
		IsSourceFiber: isSourceFiber,
	}, nil
}

// ToBufferStrategy maps the wire-level collector buffer strategy onto
// the buffer package's Strategy type.
func (s BufferStrategy) ToBufferStrategy() buffer.Strategy {
	switch s {
	case BufferStrategyDropOldest:
		return buffer.DropOldest
	case BufferStrategyWaitForever:
		return buffer.WaitForever
	default:
		return buffer.Block
	}
}

// ConfigRefError reports a reference to an undefined source or
// fiber type name within the configuration document.
type ConfigRefError struct {
	Kind string
	Msg  string
}

func (e *ConfigRefError) Error() string { return e.Kind + ": " + e.Msg }
