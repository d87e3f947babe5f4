package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/jsonc"
)

// document is the on-disk shape of the configuration file. It exists only
// at the persistence boundary; callers see the types in package models.
type document struct {
	Plugs    map[string]plugRecord   `json:"plugs"`
	Servers  map[string]serverRecord `json:"servers"`
	State    map[string]stateRecord  `json:"state"`
	Settings settingsRecord          `json:"settings"`
}

type plugRecord struct {
	IP string `json:"ip"`
}

type serverRecord struct {
	Hostname string `json:"hostname"`
	MAC      string `json:"mac"`
	Plug     string `json:"plug"`
}

type stateRecord struct {
	Online      bool       `json:"online"`
	LastChange  timestamp  `json:"last_change"`
	UptimeStart *timestamp `json:"uptime_start"`
}

type settingsRecord struct {
	ElectricityPrice float64 `json:"electricity_price"`
}

func newDocument() document {
	return document{
		Plugs:   map[string]plugRecord{},
		Servers: map[string]serverRecord{},
		State:   map[string]stateRecord{},
	}
}

func (d document) clone() document {
	out := newDocument()
	for k, v := range d.Plugs {
		out.Plugs[k] = v
	}
	for k, v := range d.Servers {
		out.Servers[k] = v
	}
	for k, v := range d.State {
		if v.UptimeStart != nil {
			t := *v.UptimeStart
			v.UptimeStart = &t
		}
		out.State[k] = v
	}
	out.Settings = d.Settings
	return out
}

var errEmptyDocument = errors.New("empty configuration file")

// decodeDocument parses a configuration file. Comments and trailing commas
// are accepted so the file can be edited by hand.
func decodeDocument(data []byte) (document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return document{}, errEmptyDocument
	}
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return document{}, fmt.Errorf("decode configuration: %w", err)
	}
	if doc.Plugs == nil {
		doc.Plugs = map[string]plugRecord{}
	}
	if doc.Servers == nil {
		doc.Servers = map[string]serverRecord{}
	}
	if doc.State == nil {
		doc.State = map[string]stateRecord{}
	}
	return doc, nil
}

func encodeDocument(doc document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return append(data, '\n'), nil
}

// timestamp is written as RFC3339 in UTC. Older files carry naive ISO-8601
// values without a zone; those are read as UTC.
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = timestamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

func (t timestamp) time() time.Time { return time.Time(t) }
