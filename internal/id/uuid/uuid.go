// Package uuid generates shot identifiers.
package uuid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const shotTimeLayout = "20060102150405"

// Generator creates UUID v7 based ids.
type Generator struct {
	now func() time.Time
}

// New creates a Generator on the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ShotID returns "<action>_<yyyymmddHHMMSS>_<uuid7>". Ids sort by creation
// time within an action.
func (g *Generator) ShotID(action string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	now := time.Now
	if g != nil && g.now != nil {
		now = g.now
	}
	action = strings.TrimSpace(action)
	if action == "" {
		action = "shot"
	}
	return action + "_" + now().Format(shotTimeLayout) + "_" + id, nil
}
