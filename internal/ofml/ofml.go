// Package ofml holds the types shared by every layer of the catalog model:
// the closed set of part kinds and the Result type used in place of errors
// at every loader boundary.
package ofml

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the fixed OFML part sub-formats.
type Kind int

const (
	// OCD is the commercial product data (pdata.inp_descr).
	OCD Kind = iota
	// OAM is the article-to-model mapping (oam.inp_descr).
	OAM
	// GO is the generic-office metatype data (mt.inp_descr + language string tables).
	GO
	// OAP is the OFML article presentation data (oap.inp_descr).
	OAP
	// OAS is the article selection catalog, a fixed four-table layout.
	OAS
	// ODB is the 2D/3D geometry database (odb.inp_descr).
	ODB

	numKinds
)

// NumKinds is the number of part kinds, usable as an array bound.
const NumKinds = int(numKinds)

// Kinds lists every part kind in declaration order.
var Kinds = []Kind{OCD, OAM, GO, OAP, OAS, ODB}

var kindNames = [numKinds]string{"ocd", "oam", "go", "oap", "oas", "odb"}

// String returns the lowercase part name used on disk and on the wire.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

// ParseKind maps a part name ("ocd", "GO", ...) to its Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown part kind %q", s)
}

// ErrNotAvailable matches every NotAvailable error via errors.Is.
var ErrNotAvailable = errors.New("not available")

// NotAvailable records why a registry, schema, part or table could not be
// produced.
type NotAvailable struct {
	Cause error
}

func (n *NotAvailable) Error() string {
	if n.Cause == nil {
		return ErrNotAvailable.Error()
	}
	return "not available: " + n.Cause.Error()
}

func (n *NotAvailable) Unwrap() error { return n.Cause }

// Is lets errors.Is(err, ErrNotAvailable) match any NotAvailable value.
func (n *NotAvailable) Is(target error) bool { return target == ErrNotAvailable }

// Result is either a value or the NotAvailable sentinel explaining its absence.
// The zero Result is unavailable with no cause.
type Result[T any] struct {
	value T
	err   *NotAvailable
	ok    bool
}

// Ok wraps a successfully produced value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Unavailable wraps the cause of a failure. A cause that is already a
// *NotAvailable is not wrapped twice.
func Unavailable[T any](cause error) Result[T] {
	var na *NotAvailable
	if errors.As(cause, &na) {
		return Result[T]{err: na}
	}
	return Result[T]{err: &NotAvailable{Cause: cause}}
}

// Available reports whether the result holds a value.
func (r Result[T]) Available() bool { return r.ok }

// Get returns the value and whether it is present.
func (r Result[T]) Get() (T, bool) { return r.value, r.ok }

// Value returns the value, or the zero value when unavailable.
func (r Result[T]) Value() T { return r.value }

// Err returns nil for available results and a *NotAvailable otherwise.
func (r Result[T]) Err() error {
	if r.ok {
		return nil
	}
	if r.err == nil {
		return &NotAvailable{}
	}
	return r.err
}
