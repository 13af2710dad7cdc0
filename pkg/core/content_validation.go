package core

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// DefaultMaxTurnBytes defines the default hard upper boundary for one turn's text.
// Longer inputs should be split by the caller.
const DefaultMaxTurnBytes = 16 * 1024

var maxTurnBytes atomic.Int64

func init() {
	maxTurnBytes.Store(DefaultMaxTurnBytes)
}

// SetMaxTurnBytes overrides the runtime turn size limit.
func SetMaxTurnBytes(limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("max turn bytes must be > 0")
	}
	maxTurnBytes.Store(limit)
	return nil
}

// GetMaxTurnBytes returns the active runtime turn size limit.
func GetMaxTurnBytes() int64 {
	limit := maxTurnBytes.Load()
	if limit <= 0 {
		return DefaultMaxTurnBytes
	}
	return limit
}

// ValidateTurnText ensures turn text is non-empty and within size boundaries.
func ValidateTurnText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrInvalidContent
	}

	size := len(text)
	limit := GetMaxTurnBytes()
	if int64(size) > limit {
		return fmt.Errorf("%w: %d bytes > %d", ErrContentTooLarge, size, limit)
	}

	return nil
}
