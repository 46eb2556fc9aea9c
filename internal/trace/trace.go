// Package trace records what a pipeline cycle decided, in a canonical form
// whose hash does not depend on worker scheduling, and exports cycle spans.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Journal is the canonical record of one cycle.
//
// It captures logical decisions only: no timestamps, cycle IDs, durations or
// anything else that varies between two runs over the same inputs.
type Journal struct {
	Events []Event
}

// EventKind is the stable discriminator of an Event. The string values are
// part of the canonical bytes; do not rename.
type EventKind string

const (
	EventAssetStale    EventKind = "AssetStale"
	EventAssetImported EventKind = "AssetImported"
	EventAssetFailed   EventKind = "AssetFailed"
	EventAssetOrphaned EventKind = "AssetOrphaned"
	EventOutputRemoved EventKind = "OutputRemoved"
)

// Event is a single decision about one asset.
type Event struct {
	Kind EventKind

	// Key is the asset the event refers to.
	Key string

	// Reason is a stable code: a stale reason, or the failing stage.
	Reason string

	// Importer is "<id>@<version>" for import events.
	Importer string

	// Outputs are output identifiers ("<tree>/<path>"), sorted on encoding.
	Outputs []string
}

// Validate checks basic invariants.
func (j *Journal) Validate() error {
	if j == nil {
		return errors.New("journal is nil")
	}
	for i, e := range j.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Key == "" {
			return fmt.Errorf("events[%d].key is required for kind %q", i, e.Kind)
		}
		for k, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, k)
			}
		}
	}
	return nil
}

// Canonicalize sorts outputs and events into a total order keyed by
// (key, kind, reason, importer, outputs).
func (j *Journal) Canonicalize() {
	if j == nil {
		return
	}
	for i := range j.Events {
		if len(j.Events[i].Outputs) == 0 {
			j.Events[i].Outputs = nil
			continue
		}
		outs := make([]string, len(j.Events[i].Outputs))
		copy(outs, j.Events[i].Outputs)
		sort.Strings(outs)
		j.Events[i].Outputs = outs
	}

	sort.SliceStable(j.Events, func(a, b int) bool {
		x, y := j.Events[a], j.Events[b]
		if x.Key != y.Key {
			return x.Key < y.Key
		}
		if kindOrder(x.Kind) != kindOrder(y.Kind) {
			return kindOrder(x.Kind) < kindOrder(y.Kind)
		}
		if x.Reason != y.Reason {
			return x.Reason < y.Reason
		}
		if x.Importer != y.Importer {
			return x.Importer < y.Importer
		}
		return lessStrings(x.Outputs, y.Outputs)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventAssetStale:
		return 10
	case EventAssetImported:
		return 20
	case EventAssetFailed:
		return 30
	case EventAssetOrphaned:
		return 40
	case EventOutputRemoved:
		return 50
	default:
		return 1000
	}
}

func lessStrings(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON encodes a canonicalized copy of the journal.
func (j Journal) CanonicalJSON() ([]byte, error) {
	c := Journal{Events: make([]Event, len(j.Events))}
	copy(c.Events, j.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex digest of the canonical encoding.
func (j Journal) Hash() (string, error) {
	b, err := j.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// Len returns the number of events of kind k.
func (j Journal) Len(k EventKind) int {
	n := 0
	for _, e := range j.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// MarshalJSON fixes field order.
func (j Journal) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"events":[`)
	for i := range j.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(j.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var outputs []string
	if len(e.Outputs) > 0 {
		outputs = append([]string(nil), e.Outputs...)
		sort.Strings(outputs)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "kind", string(e.Kind), true)
	writeField(&buf, "key", e.Key, false)
	writeField(&buf, "reason", e.Reason, false)
	writeField(&buf, "importer", e.Importer, false)
	if len(outputs) > 0 {
		buf.WriteString(`,"outputs":`)
		ob, _ := json.Marshal(outputs)
		buf.Write(ob)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name, value string, first bool) {
	if value == "" && !first {
		return
	}
	if !first {
		buf.WriteByte(',')
	}
	nb, _ := json.Marshal(name)
	vb, _ := json.Marshal(value)
	buf.Write(nb)
	buf.WriteByte(':')
	buf.Write(vb)
}
