package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind identifies which extraction workflow and destination table apply to a document
type Kind string

const (
	DeliveryReceipt Kind = "DeliveryReceipt"
	TrainTicket     Kind = "TrainTicket"
)

// FieldType is the JSON type a record field must hold
type FieldType string

const (
	String  FieldType = "string"
	Integer FieldType = "integer"
)

// Field describes one entry of a record schema
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	// Check runs during validation and reports its own error kind.
	// Nil means no field-level validation.
	Check func(field string, value any) *Error `json:"-"`
}

// Descriptor holds everything the pipeline needs to know about a document kind
type Descriptor struct {
	Kind Kind `json:"kind"`
	// WorkflowType is the "type" input sent to the extraction workflow
	WorkflowType string `json:"workflow_type"`
	// User is the opaque user tag sent with workflow runs
	User string `json:"-"`
	// FilenamePrefix is used to name captures that arrive without a filename
	FilenamePrefix string  `json:"-"`
	Fields         []Field `json:"fields"`

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

// FieldNames returns the schema's field names in order
func (d *Descriptor) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]*Descriptor{}
)

// Register adds a descriptor to the registry, replacing any previous one for the same kind
func Register(d *Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Kind] = d
}

// Lookup returns the descriptor registered for kind
func Lookup(kind Kind) (*Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return d, nil
}

// ParseKind converts a string into a registered Kind
func ParseKind(s string) (Kind, error) {
	if _, err := Lookup(Kind(s)); err != nil {
		return "", err
	}
	return Kind(s), nil
}

// Kinds returns every registered descriptor sorted by kind
func Kinds() []*Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func init() {
	Register(&Descriptor{
		Kind:           DeliveryReceipt,
		WorkflowType:   "DeliveryReceipt",
		User:           "ios-user",
		FilenamePrefix: "receipt",
		Fields: []Field{
			{Name: "ProjectName", Type: String},
			{Name: "AuditedEntity", Type: String},
			{Name: "AuditedEntityPerson", Type: String},
			{Name: "AuditedEntityPhone", Type: String},
			{Name: "ReceivingEntity", Type: String},
			{Name: "Recipient", Type: String},
			{Name: "ReceivingEntityPhone", Type: String},
			{Name: "FileName", Type: String},
			{Name: "FileType", Type: String},
			{Name: "FileNum", Type: Integer},
			{Name: "FileReceipient", Type: String},
			{Name: "HandOverDate", Type: String, Check: CheckDate},
			{Name: "ReceivedDate", Type: String, Check: CheckDate},
		},
	})

	Register(&Descriptor{
		Kind:           TrainTicket,
		WorkflowType:   "TrainTicket",
		User:           "ios-train-user",
		FilenamePrefix: "train_ticket",
		Fields: []Field{
			{Name: "TrainNum", Type: String},
			{Name: "DepartureDate", Type: String},
			{Name: "Departure", Type: String},
			{Name: "Destination", Type: String},
			{Name: "Price", Type: Integer},
			{Name: "ID", Type: String},
			{Name: "Name", Type: String},
		},
	})
}
