// Package registry defines the directory of published sources: the entry
// type, the schema of the well-known Registry source and the stores that
// keep its contents.
package registry

import (
	"fmt"
	"sort"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// Name is the source name the registry is published under.
const Name = "Registry"

// Entry locates one source.
type Entry struct {
	Name     string `json:"name" yaml:"name"`
	TypeName string `json:"typeName" yaml:"typeName"`
	HostURL  string `json:"hostUrl" yaml:"hostUrl"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s(%s)@%s", e.Name, e.TypeName, e.HostURL)
}

// EntryRecord is the record type entries travel as.
var EntryRecord = codec.RecordType{
	Name: "RegistryEntry",
	Fields: []codec.Field{
		{Name: "name", Type: codec.String},
		{Name: "typeName", Type: codec.String},
		{Name: "hostUrl", Type: codec.String},
	},
}

// Schema is the type of the Registry source.
var Schema = schema.NewBuilder("Registry").
	Record(EntryRecord).
	Property("sources", codec.Map(codec.String, codec.RecordOf(EntryRecord.Name)), schema.ReadOnly).
	Signal("remoteObjectAdded", codec.RecordOf(EntryRecord.Name)).
	Signal("remoteObjectRemoved", codec.RecordOf(EntryRecord.Name)).
	Method("addSource", codec.Void, codec.RecordOf(EntryRecord.Name)).
	Method("removeSource", codec.Void, codec.String).
	MustBuild()

// Member indices of Schema.
const (
	PropertySources = 0

	SignalRemoteObjectAdded   = 0
	SignalRemoteObjectRemoved = 1

	MethodAddSource    = 0
	MethodRemoveSource = 1
)

// Record converts e to its wire form.
func (e Entry) Record() codec.Record {
	return codec.NewRecord(EntryRecord.Name, e.Name, e.TypeName, e.HostURL)
}

// EntryFromRecord converts a decoded RegistryEntry record back to an Entry.
func EntryFromRecord(v any) (Entry, error) {
	rec, ok := v.(codec.Record)
	if !ok || rec.Type != EntryRecord.Name || len(rec.Fields) != len(EntryRecord.Fields) {
		return Entry{}, rerrors.New(rerrors.KindInvalidMessage, "registry.EntryFromRecord", "not a %s: %v", EntryRecord.Name, v)
	}
	var e Entry
	var okName, okType, okURL bool
	e.Name, okName = rec.Fields[0].(string)
	e.TypeName, okType = rec.Fields[1].(string)
	e.HostURL, okURL = rec.Fields[2].(string)
	if !okName || !okType || !okURL {
		return Entry{}, rerrors.New(rerrors.KindInvalidMessage, "registry.EntryFromRecord", "malformed %s: %v", EntryRecord.Name, v)
	}
	return e, nil
}

// SourcesValue builds the value of the sources property.
func SourcesValue(entries map[string]Entry) map[any]any {
	out := make(map[any]any, len(entries))
	for name, e := range entries {
		out[name] = e.Record()
	}
	return out
}

// EntriesFromSources decodes the value of the sources property.
func EntriesFromSources(v any) (map[string]Entry, error) {
	m, ok := v.(map[any]any)
	if !ok {
		return nil, rerrors.New(rerrors.KindInvalidMessage, "registry.EntriesFromSources", "sources is %T", v)
	}
	out := make(map[string]Entry, len(m))
	for _, rv := range m {
		e, err := EntryFromRecord(rv)
		if err != nil {
			return nil, err
		}
		out[e.Name] = e
	}
	return out, nil
}

// Sorted returns the entries ordered by name.
func Sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
