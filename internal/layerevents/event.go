// Package layerevents carries layer change notifications over Kafka so every
// process sharing a catalog sees publications and deletions.
package layerevents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

const Version = 1

type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	Kind      string    `json:"kind"`
	Workspace string    `json:"workspace"`
	Layer     string    `json:"layer"`
	Store     string    `json:"store,omitempty"`
	TS        time.Time `json:"ts"`
}

func FromChange(c model.LayerChange) Event {
	ts := c.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		Version:   Version,
		Op:        string(c.Op),
		Kind:      string(c.Kind),
		Workspace: c.Workspace,
		Layer:     c.Layer,
		Store:     c.Store,
		TS:        ts,
	}
}

func (e Event) Change() model.LayerChange {
	return model.LayerChange{
		Op:        model.ChangeOp(e.Op),
		Kind:      model.Kind(e.Kind),
		Workspace: e.Workspace,
		Layer:     e.Layer,
		Store:     e.Store,
		TS:        e.TS,
	}
}

func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("version must be %d", Version)
	}
	switch model.ChangeOp(e.Op) {
	case model.OpPublished, model.OpDeleted:
	default:
		return fmt.Errorf("op must be %s|%s", model.OpPublished, model.OpDeleted)
	}
	switch model.Kind(e.Kind) {
	case model.KindRaster, model.KindVector:
	default:
		return fmt.Errorf("kind must be %s|%s", model.KindRaster, model.KindVector)
	}
	if strings.TrimSpace(e.Workspace) == "" {
		return errors.New("workspace is required")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}
