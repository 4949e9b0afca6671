package schema

// Record is one value per schema field, in field order.
type Record struct {
	Values []Value
}

// RecordMeta tracks a record's identity across its live/dead lifetime.
// Id and Version persist across delete/re-insert cycles; InsertOperationID
// is non-nil only while the record is live.
type RecordMeta struct {
	ID               uint64
	Version          uint32
	InsertOperationID *uint64
}

// IsLive reports whether the most recent action on this identity was an
// insert (as opposed to a delete).
func (m RecordMeta) IsLive() bool {
	return m.InsertOperationID != nil
}

// OperationKind distinguishes the two operation-log entry shapes.
type OperationKind int

const (
	OperationInsert OperationKind = iota
	OperationDelete
)

// Operation is one entry in the operation log: either an Insert carrying a
// full record snapshot plus its identity metadata at the time of the
// insert, or a Delete pointing back at the Insert it supersedes.
type Operation struct {
	Kind OperationKind

	// Insert fields.
	Meta   RecordMeta
	Record Record

	// Delete fields.
	DeletedOperationID uint64
}
