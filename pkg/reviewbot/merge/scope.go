package merge

import "encoding/json"

// Scope is the handle an annotator receives for one call. Writes go to the
// namespace the orchestrator bound; reads see the whole record so far.
type Scope struct {
	rec *Record
	ns  string
}

// NewScope binds ns on rec and returns its write handle.
func NewScope(rec *Record, ns string) (*Scope, error) {
	if err := rec.Bind(ns); err != nil {
		return nil, err
	}
	return &Scope{rec: rec, ns: ns}, nil
}

// Name returns the namespace this scope writes to.
func (s *Scope) Name() string { return s.ns }

// Set stores value under key in the scope's namespace.
func (s *Scope) Set(key string, value any) error {
	return s.rec.Set(s.ns, key, value)
}

// Get reads any namespace written so far.
func (s *Scope) Get(ns, key string, dst any) (bool, error) {
	return s.rec.Get(ns, key, dst)
}

// Has reports whether an earlier annotator produced namespace ns.
func (s *Scope) Has(ns string) bool {
	return s.rec.Has(ns)
}

// Err returns the error marker an earlier annotator left in ns.
func (s *Scope) Err(ns string) (string, bool) {
	return s.rec.Err(ns)
}

// Namespace returns a copy of the raw values an earlier annotator wrote.
func (s *Scope) Namespace(ns string) map[string]json.RawMessage {
	return s.rec.Namespace(ns)
}
