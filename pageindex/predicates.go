package pageindex

// Arity is one of the four fixed callback shapes a predicate may declare
// (spec.md §4.E). The engine records the declared arity so it can skip
// deserializing object/metadata it doesn't need — important during
// repopulation, where fetching every row's object would dominate cost.
type Arity int

const (
	WithKey Arity = iota
	WithObject
	WithMetadata
	WithRow
)

// Ordering is the three-valued comparison result predicates return.
type Ordering int

const (
	Ascending  Ordering = -1
	Equal      Ordering = 0
	Descending Ordering = 1
)

// RowSource is the primary key-value store collaborator: given a rowid it
// resolves the row's key and, lazily, its object/metadata. It is external to
// this package (spec.md §1, "out of scope (external collaborators)"); see
// package storage for a concrete implementation used in tests and the demo.
type RowSource interface {
	KeyForRowid(rowid int64) (string, error)
	ObjectForRowid(rowid int64) (interface{}, error)
	MetadataForRowid(rowid int64) (interface{}, error)
}

// fetch resolves only what arity requires from rows for rowid, avoiding
// unnecessary object/metadata deserialization.
func fetchForArity(rows RowSource, arity Arity, rowid int64) (key string, object, metadata interface{}, err error) {
	key, err = rows.KeyForRowid(rowid)
	if err != nil {
		return "", nil, nil, err
	}
	switch arity {
	case WithObject:
		if object, err = rows.ObjectForRowid(rowid); err != nil {
			return "", nil, nil, err
		}
	case WithMetadata:
		if metadata, err = rows.MetadataForRowid(rowid); err != nil {
			return "", nil, nil, err
		}
	case WithRow:
		if object, err = rows.ObjectForRowid(rowid); err != nil {
			return "", nil, nil, err
		}
		if metadata, err = rows.MetadataForRowid(rowid); err != nil {
			return "", nil, nil, err
		}
	}
	return key, object, metadata, nil
}

// GroupingFunc family — one is non-nil depending on Arity.
type (
	GroupWithKeyFunc      func(key string) (group string, ok bool)
	GroupWithObjectFunc   func(key string, object interface{}) (group string, ok bool)
	GroupWithMetadataFunc func(key string, metadata interface{}) (group string, ok bool)
	GroupWithRowFunc      func(key string, object, metadata interface{}) (group string, ok bool)
)

// GroupingPredicate produces the group a row belongs to, or ok=false to
// exclude the row from the view entirely (spec.md §3's absence-of-group
// sentinel).
type GroupingPredicate struct {
	Arity        Arity
	withKey      GroupWithKeyFunc
	withObject   GroupWithObjectFunc
	withMetadata GroupWithMetadataFunc
	withRow      GroupWithRowFunc
}

func NewGroupingWithKey(f GroupWithKeyFunc) GroupingPredicate {
	return GroupingPredicate{Arity: WithKey, withKey: f}
}
func NewGroupingWithObject(f GroupWithObjectFunc) GroupingPredicate {
	return GroupingPredicate{Arity: WithObject, withObject: f}
}
func NewGroupingWithMetadata(f GroupWithMetadataFunc) GroupingPredicate {
	return GroupingPredicate{Arity: WithMetadata, withMetadata: f}
}
func NewGroupingWithRow(f GroupWithRowFunc) GroupingPredicate {
	return GroupingPredicate{Arity: WithRow, withRow: f}
}

func (p GroupingPredicate) evaluate(rows RowSource, rowid int64) (group string, ok bool, err error) {
	key, object, metadata, err := fetchForArity(rows, p.Arity, rowid)
	if err != nil {
		return "", false, err
	}
	switch p.Arity {
	case WithKey:
		group, ok = p.withKey(key)
	case WithObject:
		group, ok = p.withObject(key, object)
	case WithMetadata:
		group, ok = p.withMetadata(key, metadata)
	case WithRow:
		group, ok = p.withRow(key, object, metadata)
	}
	return group, ok, nil
}

// SortingFunc family compare two rows already known to share a group.
type (
	SortWithKeyFunc      func(group, key1, key2 string) Ordering
	SortWithObjectFunc   func(group, key1 string, object1 interface{}, key2 string, object2 interface{}) Ordering
	SortWithMetadataFunc func(group, key1 string, metadata1 interface{}, key2 string, metadata2 interface{}) Ordering
	SortWithRowFunc      func(group, key1 string, object1, metadata1 interface{}, key2 string, object2, metadata2 interface{}) Ordering
)

// SortingPredicate totally orders rows within a group (spec.md §3
// invariant 8). DependsOnlyOnKey is set by NewSortingWithKey; the Inserter
// does not read it. A same-group re-insert always goes through reposition's
// neighbour check, which keeps the row's index when its order still holds.
type SortingPredicate struct {
	Arity            Arity
	DependsOnlyOnKey bool
	withKey          SortWithKeyFunc
	withObject       SortWithObjectFunc
	withMetadata     SortWithMetadataFunc
	withRow          SortWithRowFunc
}

func NewSortingWithKey(f SortWithKeyFunc) SortingPredicate {
	return SortingPredicate{Arity: WithKey, DependsOnlyOnKey: true, withKey: f}
}
func NewSortingWithObject(f SortWithObjectFunc) SortingPredicate {
	return SortingPredicate{Arity: WithObject, withObject: f}
}
func NewSortingWithMetadata(f SortWithMetadataFunc) SortingPredicate {
	return SortingPredicate{Arity: WithMetadata, withMetadata: f}
}
func NewSortingWithRow(f SortWithRowFunc) SortingPredicate {
	return SortingPredicate{Arity: WithRow, withRow: f}
}

// compareRows evaluates the predicate between (group, k1, o1, m1) and
// (group, k2, o2, m2), where o1/m1/o2/m2 are supplied directly (already
// resolved by the caller per the predicate's declared arity).
func (p SortingPredicate) compareRows(group, key1 string, object1, metadata1 interface{}, key2 string, object2, metadata2 interface{}) Ordering {
	switch p.Arity {
	case WithKey:
		return p.withKey(group, key1, key2)
	case WithObject:
		return p.withObject(group, key1, object1, key2, object2)
	case WithMetadata:
		return p.withMetadata(group, key1, metadata1, key2, metadata2)
	default:
		return p.withRow(group, key1, object1, metadata1, key2, object2, metadata2)
	}
}

// needsObject/needsMetadata report whether this predicate's arity requires
// fetching the given companion value, letting callers skip primary-store
// round trips the predicate will never use.
func (p SortingPredicate) needsObject() bool   { return p.Arity == WithObject || p.Arity == WithRow }
func (p SortingPredicate) needsMetadata() bool { return p.Arity == WithMetadata || p.Arity == WithRow }

// FindingFunc family compare a row against an implicit target range; see
// findRangeInGroup in query.go. Descending means "value is past the range's
// upper bound", Ascending means "value is before the range's lower bound".
type (
	FindWithKeyFunc      func(group, key string) Ordering
	FindWithObjectFunc   func(group, key string, object interface{}) Ordering
	FindWithMetadataFunc func(group, key string, metadata interface{}) Ordering
	FindWithRowFunc      func(group, key string, object, metadata interface{}) Ordering
)

// FindingPredicate implements spec.md §4.J's findRangeInGroup comparison.
type FindingPredicate struct {
	Arity        Arity
	withKey      FindWithKeyFunc
	withObject   FindWithObjectFunc
	withMetadata FindWithMetadataFunc
	withRow      FindWithRowFunc
}

func NewFindingWithKey(f FindWithKeyFunc) FindingPredicate {
	return FindingPredicate{Arity: WithKey, withKey: f}
}
func NewFindingWithObject(f FindWithObjectFunc) FindingPredicate {
	return FindingPredicate{Arity: WithObject, withObject: f}
}
func NewFindingWithMetadata(f FindWithMetadataFunc) FindingPredicate {
	return FindingPredicate{Arity: WithMetadata, withMetadata: f}
}
func NewFindingWithRow(f FindWithRowFunc) FindingPredicate {
	return FindingPredicate{Arity: WithRow, withRow: f}
}

func (p FindingPredicate) evaluate(rows RowSource, group string, rowid int64) (Ordering, error) {
	key, object, metadata, err := fetchForArity(rows, p.Arity, rowid)
	if err != nil {
		return Equal, err
	}
	switch p.Arity {
	case WithKey:
		return p.withKey(group, key), nil
	case WithObject:
		return p.withObject(group, key, object), nil
	case WithMetadata:
		return p.withMetadata(group, key, metadata), nil
	default:
		return p.withRow(group, key, object, metadata), nil
	}
}
