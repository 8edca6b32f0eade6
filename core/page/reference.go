package page

// Reference is a handle on a child page. It may hold the page in memory
// (instantiated), its durable key (committed), or both. A reference whose
// in-progress page lives in the write transaction's page cache carries the
// logical page id instead of the page itself.
type Reference struct {
	page      *Page
	key       Key
	committed bool

	logicalID    uint64
	hasLogicalID bool
}

// NewReference returns an empty reference: neither instantiated nor committed.
func NewReference() *Reference {
	return &Reference{}
}

// NewReferenceTo returns a dirty reference owning p.
func NewReferenceTo(p *Page) *Reference {
	return &Reference{page: p}
}

// NewCommittedReference returns a reference to an already persisted page.
func NewCommittedReference(k Key) *Reference {
	return &Reference{key: k, committed: true}
}

func (r *Reference) Page() *Page { return r.page }

// SetPage installs an in-memory page. The reference becomes dirty until the
// next commit assigns it a key.
func (r *Reference) SetPage(p *Page) {
	r.page = p
	r.committed = false
	r.key = Key{}
}

// DropPage releases the in-memory page of a committed reference so it can be
// rehydrated by key later.
func (r *Reference) DropPage() {
	if r.committed {
		r.page = nil
	}
}

func (r *Reference) Key() Key { return r.key }

// SetKey records the durable key assigned by the backend.
func (r *Reference) SetKey(k Key) {
	r.key = k
	r.committed = true
	r.hasLogicalID = false
}

func (r *Reference) IsCommitted() bool    { return r.committed }
func (r *Reference) IsInstantiated() bool { return r.page != nil }

// IsDirty reports whether the reference carries uncommitted content.
func (r *Reference) IsDirty() bool {
	return !r.committed && (r.page != nil || r.hasLogicalID)
}

// IsEmpty reports whether the reference points at nothing at all.
func (r *Reference) IsEmpty() bool {
	return !r.committed && r.page == nil && !r.hasLogicalID
}

// LogicalID returns the logical page id of a leaf whose page is cached elsewhere.
func (r *Reference) LogicalID() (uint64, bool) { return r.logicalID, r.hasLogicalID }

// SetLogicalID detaches the reference from any page or key: its content is
// now owned by the page cache entry with the given id.
func (r *Reference) SetLogicalID(id uint64) {
	r.logicalID = id
	r.hasLogicalID = true
	r.page = nil
	r.committed = false
	r.key = Key{}
}

// clone copies the reference by value. Pages are shared, never deep copied.
func (r *Reference) clone() *Reference {
	c := *r
	return &c
}
