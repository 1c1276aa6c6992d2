package ocr

// StrategyForMeterType maps a detected meter type to the strategy that reads
// it best. Unknown types get the exhaustive simple strategy.
func StrategyForMeterType(t MeterType) StrategyID {
	switch t {
	case MeterMechanical:
		return StrategyBasic
	case MeterDigitalLCD:
		return StrategyAdvanced
	case MeterSevenSegmentLED:
		return StrategySevenSegment
	case MeterSevenSegmentLCD:
		return StrategyTemplate
	default:
		return StrategySimple
	}
}
