package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cognicore/reviewbot/pkg/reviewbot/internalerr"
)

// Gold is the reserved namespace for curated and administrative fields.
const Gold = "gold"

// ErrorKey holds the failure message of an annotator that did not complete.
const ErrorKey = "error"

// Record accumulates annotations for one document, isolated by namespace.
//
// A namespace is written only while it is bound. Releasing or failing a
// namespace seals it; sealed namespaces never accept writes again. Freeze
// seals the whole record.
type Record struct {
	namespaces map[string]map[string]json.RawMessage
	sealed     map[string]bool
	bound      string
	frozen     bool
}

// New returns an empty, writable record.
func New() *Record {
	return &Record{
		namespaces: make(map[string]map[string]json.RawMessage),
		sealed:     make(map[string]bool),
	}
}

// Bind opens namespace ns for writing. Only one namespace may be bound at a time.
func (r *Record) Bind(ns string) error {
	if ns == "" {
		return fmt.Errorf("merge: bind: empty namespace: %w", internalerr.ErrNamespaceViolation)
	}
	if r.frozen {
		return fmt.Errorf("merge: bind %s: record frozen: %w", ns, internalerr.ErrNamespaceViolation)
	}
	if r.bound != "" {
		return fmt.Errorf("merge: bind %s: %s still bound: %w", ns, r.bound, internalerr.ErrNamespaceViolation)
	}
	if r.sealed[ns] {
		return fmt.Errorf("merge: bind %s: namespace already written: %w", ns, internalerr.ErrNamespaceViolation)
	}
	r.bound = ns
	if r.namespaces[ns] == nil {
		r.namespaces[ns] = make(map[string]json.RawMessage)
	}
	return nil
}

// Release seals the bound namespace.
func (r *Record) Release() {
	if r.bound == "" {
		return
	}
	r.sealed[r.bound] = true
	r.bound = ""
}

// Set stores value under namespace/key. The namespace must be the bound one.
func (r *Record) Set(ns, key string, value any) error {
	if r.frozen {
		return fmt.Errorf("merge: set %s.%s: record frozen: %w", ns, key, internalerr.ErrNamespaceViolation)
	}
	if r.sealed[ns] {
		return fmt.Errorf("merge: set %s.%s: namespace sealed: %w", ns, key, internalerr.ErrNamespaceViolation)
	}
	if ns != r.bound {
		return fmt.Errorf("merge: set %s.%s: bound namespace is %q: %w", ns, key, r.bound, internalerr.ErrNamespaceViolation)
	}
	if key == "" {
		return fmt.Errorf("merge: set %s: empty key: %w", ns, internalerr.ErrInvalidInput)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("merge: set %s.%s: %w", ns, key, err)
	}
	r.namespaces[ns][key] = raw
	return nil
}

// Fail replaces whatever ns holds with an error marker and seals it.
func (r *Record) Fail(ns string, cause error) error {
	if r.frozen {
		return fmt.Errorf("merge: fail %s: record frozen: %w", ns, internalerr.ErrNamespaceViolation)
	}
	if r.sealed[ns] {
		return fmt.Errorf("merge: fail %s: namespace sealed: %w", ns, internalerr.ErrNamespaceViolation)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.namespaces[ns] = map[string]json.RawMessage{ErrorKey: raw}
	r.sealed[ns] = true
	if r.bound == ns {
		r.bound = ""
	}
	return nil
}

// Freeze makes the record read-only.
func (r *Record) Freeze() {
	r.Release()
	r.frozen = true
}

// Frozen reports whether the record is read-only.
func (r *Record) Frozen() bool { return r.frozen }

// Has reports whether namespace ns exists.
func (r *Record) Has(ns string) bool {
	_, ok := r.namespaces[ns]
	return ok
}

// Namespaces returns the namespace names in sorted order.
func (r *Record) Namespaces() []string {
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Keys returns the keys of namespace ns in sorted order.
func (r *Record) Keys(ns string) []string {
	entries := r.namespaces[ns]
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Namespace returns a copy of the raw values in ns, or nil when ns is absent.
func (r *Record) Namespace(ns string) map[string]json.RawMessage {
	entries, ok := r.namespaces[ns]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Get decodes namespace/key into dst. The bool is false when the key is absent.
func (r *Record) Get(ns, key string, dst any) (bool, error) {
	raw, ok := r.namespaces[ns][key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("merge: get %s.%s: %w", ns, key, err)
	}
	return true, nil
}

// Err returns the error marker of ns, if any.
func (r *Record) Err(ns string) (string, bool) {
	var msg string
	ok, err := r.Get(ns, ErrorKey, &msg)
	if !ok || err != nil {
		return "", false
	}
	return msg, true
}

// Failed returns the namespaces holding an error marker, in sorted order.
func (r *Record) Failed() []string {
	var out []string
	for _, ns := range r.Namespaces() {
		if _, ok := r.namespaces[ns][ErrorKey]; ok {
			out = append(out, ns)
		}
	}
	return out
}

// Serialize freezes the record and encodes it. Namespaces and keys are
// emitted in sorted order so equal records encode to equal bytes.
func (r *Record) Serialize() ([]byte, error) {
	r.Freeze()
	data, err := json.Marshal(r.namespaces)
	if err != nil {
		return nil, fmt.Errorf("merge: serialize: %w", err)
	}
	return data, nil
}

// Deserialize decodes a serialized record. The result is frozen.
func Deserialize(data []byte) (*Record, error) {
	var namespaces map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &namespaces); err != nil {
		return nil, fmt.Errorf("merge: deserialize: %w", err)
	}
	rec := New()
	for ns, entries := range namespaces {
		if entries == nil {
			entries = make(map[string]json.RawMessage)
		}
		rec.namespaces[ns] = entries
		rec.sealed[ns] = true
	}
	rec.frozen = true
	return rec, nil
}

// Equal reports whether both records hold the same namespaces, keys and values.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.namespaces) != len(o.namespaces) {
		return false
	}
	for ns, entries := range r.namespaces {
		other, ok := o.namespaces[ns]
		if !ok || len(other) != len(entries) {
			return false
		}
		for k, v := range entries {
			ov, ok := other[k]
			if !ok || !bytes.Equal(compact(v), compact(ov)) {
				return false
			}
		}
	}
	return true
}

// Derive returns a writable copy without the gold namespace. Copied
// namespaces stay sealed; only gold can be written into the copy.
func (r *Record) Derive() *Record {
	out := New()
	for ns, entries := range r.namespaces {
		if ns == Gold {
			continue
		}
		cp := make(map[string]json.RawMessage, len(entries))
		for k, v := range entries {
			cp[k] = append(json.RawMessage(nil), v...)
		}
		out.namespaces[ns] = cp
		out.sealed[ns] = true
	}
	return out
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
