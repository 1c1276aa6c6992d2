package ocr

import (
	"fmt"

	"github.com/adverant/nexus/meterread-worker/internal/config"
)

// Config is the orchestrator configuration. It is copied into the
// orchestrator at construction and never changed afterwards.
type Config struct {
	DefaultStrategy     StrategyID
	ConfidenceThreshold float64
	EnableFallback      bool
	// DebugMode writes every preprocessing stage below DebugDir, one
	// directory per extraction.
	DebugMode     bool
	DebugDir      string
	FallbackOrder []StrategyID
}

// DefaultFallbackOrder ranks the strategies by observed accuracy.
var DefaultFallbackOrder = []StrategyID{
	StrategyTemplate,
	StrategySevenSegment,
	StrategyAdvanced,
	StrategySimple,
	StrategyBasic,
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:     StrategyAuto,
		ConfidenceThreshold: 50,
		EnableFallback:      true,
		DebugDir:            "./debug/ocr",
		FallbackOrder:       append([]StrategyID(nil), DefaultFallbackOrder...),
	}
}

// FromConfig builds the orchestrator configuration from the process config.
func FromConfig(c *config.Config) (Config, error) {
	def, err := ParseStrategyID(c.DefaultStrategy)
	if err != nil {
		return Config{}, err
	}

	order := make([]StrategyID, 0, len(c.FallbackOrder))
	for _, s := range c.FallbackOrder {
		id, err := ParseStrategyID(s)
		if err != nil {
			return Config{}, err
		}
		if !id.Concrete() {
			return Config{}, fmt.Errorf("fallback order cannot contain %q", s)
		}
		order = append(order, id)
	}

	return Config{
		DefaultStrategy:     def,
		ConfidenceThreshold: c.ConfidenceThreshold,
		EnableFallback:      c.EnableFallback,
		DebugMode:           c.DebugMode,
		DebugDir:            c.DebugDir,
		FallbackOrder:       completeOrder(order),
	}, nil
}

// completeOrder returns order followed by every concrete strategy it does not
// name, in DefaultFallbackOrder order, so an exhausted chain has tried them all.
// Duplicates keep their first position.
func completeOrder(order []StrategyID) []StrategyID {
	out := make([]StrategyID, 0, len(DefaultFallbackOrder))
	seen := make(map[StrategyID]bool, len(DefaultFallbackOrder))
	for _, id := range append(append([]StrategyID(nil), order...), DefaultFallbackOrder...) {
		if !id.Concrete() || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
