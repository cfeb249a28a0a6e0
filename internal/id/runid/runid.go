// Package runid allocates run identifiers for inference submissions.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Clock supplies the submission timestamp.
type Clock interface {
	Now() time.Time
}

// Generator creates run identifiers of the form
// <experiment>_<submission-unix-timestamp>_<8-char-random-hex>. The random
// suffix gives practical uniqueness without a coordination service.
type Generator struct {
	experiment string
	clock      Clock
}

// New creates a Generator for the given experiment name.
func New(experiment string, clock Clock) *Generator {
	return &Generator{experiment: experiment, clock: clock}
}

// NewID returns a freshly allocated run identifier.
func (g *Generator) NewID() (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate run id suffix: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", g.experiment, g.clock.Now().Unix(), hex.EncodeToString(suffix)), nil
}
