package docstore

import (
	"fmt"

	"github.com/google/uuid"
)

// IDKind discriminates the identifier variants. Binding and column types are
// dispatched on the kind, never on runtime type inspection.
type IDKind uint8

const (
	IDKindUUID IDKind = iota + 1
	IDKindString
	IDKindInt64
)

func (k IDKind) String() string {
	switch k {
	case IDKindUUID:
		return "uuid"
	case IDKindString:
		return "string"
	case IDKindInt64:
		return "int64"
	default:
		return "unknown"
	}
}

// ColumnType is the Postgres column type for id columns of this kind.
func (k IDKind) ColumnType() string {
	switch k {
	case IDKindUUID:
		return "uuid"
	case IDKindString:
		return "text"
	case IDKindInt64:
		return "bigint"
	default:
		return ""
	}
}

// ID is a tagged union over the supported identifier variants: UUID-backed,
// string-backed, or an externally assigned integer. The zero ID is invalid.
type ID struct {
	kind IDKind
	u    uuid.UUID
	s    string
	n    int64
}

func UUIDID(u uuid.UUID) ID { return ID{kind: IDKindUUID, u: u} }

// NewUUIDID allocates a fresh random UUID identifier.
func NewUUIDID() ID { return ID{kind: IDKindUUID, u: uuid.New()} }

func StringID(s string) ID { return ID{kind: IDKindString, s: s} }

func Int64ID(n int64) ID { return ID{kind: IDKindInt64, n: n} }

func (id ID) Kind() IDKind { return id.kind }

func (id ID) IsZero() bool { return id.kind == 0 }

// Value returns the driver-bindable value for the id column, chosen by the
// kind tag.
func (id ID) Value() any {
	switch id.kind {
	case IDKindUUID:
		return id.u
	case IDKindString:
		return id.s
	case IDKindInt64:
		return id.n
	default:
		return nil
	}
}

func (id ID) String() string {
	switch id.kind {
	case IDKindUUID:
		return id.u.String()
	case IDKindString:
		return id.s
	case IDKindInt64:
		return fmt.Sprintf("%d", id.n)
	default:
		return "<zero id>"
	}
}

func (id ID) Equal(other ID) bool { return id == other }

// idScanDest returns a scan destination for an id column of the given kind
// and a closure assembling the ID after the scan completed.
func idScanDest(kind IDKind) (any, func() ID, error) {
	switch kind {
	case IDKindUUID:
		u := new(uuid.UUID)
		return u, func() ID { return UUIDID(*u) }, nil
	case IDKindString:
		s := new(string)
		return s, func() ID { return StringID(*s) }, nil
	case IDKindInt64:
		n := new(int64)
		return n, func() ID { return Int64ID(*n) }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported id kind %d", kind)
	}
}

// idSlice converts ids into a concrete typed slice bindable as a Postgres
// array of the given kind. Ids of a different kind are rejected.
func idSlice(kind IDKind, ids []ID) (any, error) {
	for _, id := range ids {
		if id.kind != kind {
			return nil, fmt.Errorf("id %s has kind %s, repository expects %s", id, id.kind, kind)
		}
	}
	switch kind {
	case IDKindUUID:
		out := make([]uuid.UUID, len(ids))
		for i, id := range ids {
			out[i] = id.u
		}
		return out, nil
	case IDKindString:
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.s
		}
		return out, nil
	case IDKindInt64:
		out := make([]int64, len(ids))
		for i, id := range ids {
			out[i] = id.n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported id kind %d", kind)
	}
}
