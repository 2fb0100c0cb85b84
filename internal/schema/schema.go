// Package schema implements the built-in payload schema registry: a
// flat table from schema ID to a validating predicate, per spec.md
// §4.4.
//
// Grounded in shape on the original Rust KnownSchema registry
// (original_source/crates/summitd/src/schema.rs), reimplemented as a Go
// map instead of an enum match, matching Design Notes §9's "table, not
// inheritance hierarchy" guidance and pkg/cla/manager.go's
// listenerIDs-style flat lookup table.
package schema

import (
	"errors"
	"unicode/utf8"

	"lukechampine.com/blake3"
)

// ErrUnknownSchema is returned when a schema_id has no registered
// validator.
var ErrUnknownSchema = errors.New("schema: unknown schema id")

// ErrValidatorReject is returned when a payload fails its schema's
// validator.
var ErrValidatorReject = errors.New("schema: payload rejected by validator")

const maxTextMessageBytes = 64 * 1024
const maxFileFragmentBytes = 32 * 1024

// Validator is a pure predicate over a chunk's payload bytes.
type Validator func(payload []byte) error

// ID returns the 32-byte schema ID for a schema name, computed as
// BLAKE3("summit.<name>") per spec.md §4.4.
func ID(name string) [32]byte {
	return blake3.Sum256([]byte("summit." + name))
}

// builtins is the minimum schema set spec.md §4.4 mandates.
var builtins = map[string]Validator{
	"test.ping":       validUTF8,
	"text.message":    validTextMessage,
	"file.chunk":      maxLength(maxFileFragmentBytes),
	"file.data":       maxLength(maxFileFragmentBytes),
	"file.metadata":   validFileMetadata,
	"compute.request": validComputeRequest,
	"compute.result":  validComputeResult,
}

// Registry is a schema-ID-keyed validator table. The zero value is not
// usable; construct one with NewRegistry.
type Registry struct {
	byID   map[[32]byte]Validator
	byName map[[32]byte]string
}

// NewRegistry builds a Registry pre-populated with the built-in schema
// set.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[[32]byte]Validator, len(builtins)),
		byName: make(map[[32]byte]string, len(builtins)),
	}
	for name, v := range builtins {
		id := ID(name)
		r.byID[id] = v
		r.byName[id] = name
	}
	return r
}

// Register adds or replaces a named schema's validator. Intended for
// tests and for embedding applications that extend the built-in set;
// the core daemon never calls this beyond start-up.
func (r *Registry) Register(name string, v Validator) {
	id := ID(name)
	r.byID[id] = v
	r.byName[id] = name
}

// Lookup returns the validator registered for schemaID.
func (r *Registry) Lookup(schemaID [32]byte) (Validator, bool) {
	v, ok := r.byID[schemaID]
	return v, ok
}

// Name returns the human-readable name registered for schemaID, for
// status/logging purposes.
func (r *Registry) Name(schemaID [32]byte) (string, bool) {
	n, ok := r.byName[schemaID]
	return n, ok
}

// Validate looks up schemaID and runs its validator over payload,
// returning ErrUnknownSchema or ErrValidatorReject as appropriate.
func (r *Registry) Validate(schemaID [32]byte, payload []byte) error {
	v, ok := r.Lookup(schemaID)
	if !ok {
		return ErrUnknownSchema
	}
	if err := v(payload); err != nil {
		return ErrValidatorReject
	}
	return nil
}

// Names lists every registered schema name, for the control surface's
// schemas() operation.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for _, n := range r.byName {
		names = append(names, n)
	}
	return names
}

func validUTF8(payload []byte) error {
	if !utf8.Valid(payload) {
		return errors.New("schema: payload is not valid UTF-8")
	}
	return nil
}

func validTextMessage(payload []byte) error {
	if !utf8.Valid(payload) {
		return errors.New("schema: text.message payload is not valid UTF-8")
	}
	if len(payload) > maxTextMessageBytes {
		return errors.New("schema: text.message payload exceeds 64 KiB")
	}
	return nil
}

func maxLength(limit int) Validator {
	return func(payload []byte) error {
		if len(payload) > limit {
			return errors.New("schema: payload exceeds maximum length")
		}
		return nil
	}
}

// FileMetadata is the parsed shape of a file.metadata payload.
type FileMetadata struct {
	Filename    string
	TotalBytes  uint64
	ChunkHashes [][32]byte
}

func validFileMetadata(payload []byte) error {
	_, err := ParseFileMetadata(payload)
	return err
}

// ComputeRequest is the parsed shape of a compute.request payload.
type ComputeRequest struct {
	TaskID  [16]byte
	Command string
	Args    []byte
}

func validComputeRequest(payload []byte) error {
	_, err := ParseComputeRequest(payload)
	return err
}

// ComputeResult is the parsed shape of a compute.result payload.
type ComputeResult struct {
	TaskID   [16]byte
	ExitCode int32
	Output   []byte
}

func validComputeResult(payload []byte) error {
	_, err := ParseComputeResult(payload)
	return err
}
