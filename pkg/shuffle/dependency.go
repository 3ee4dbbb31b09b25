package shuffle

import (
	"github.com/kettlelinna/shuttle/pkg/config"
)

// Dependency describes the shape of the shuffle dependency the host
// engine registers: everything strategy selection needs and nothing more.
type Dependency struct {
	NumPartitions int
	// MapSideCombine is set when the dependency aggregates map-side;
	// it rules out the bypass path.
	MapSideCombine bool
	// Aggregation is set when any aggregator is attached.
	Aggregation bool
	// SerializerRelocatable is set when serialized records can be
	// relocated without deserialization.
	SerializerRelocatable bool
}

// ChooseWriter selects the write strategy. Pure function of the
// dependency shape and configuration.
func ChooseWriter(dep Dependency, cfg *config.Config) config.WriterType {
	if cfg.WriterType != config.WriterAuto {
		return cfg.WriterType
	}
	if dep.NumPartitions <= cfg.BypassThreshold && !dep.MapSideCombine {
		return config.WriterBypass
	}
	if dep.SerializerRelocatable && !dep.Aggregation {
		return config.WriterUnsafe
	}
	return config.WriterSort
}
