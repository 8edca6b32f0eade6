package indirect

import (
	"fmt"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/page"
)

// Loader resolves a reference to its page for reading. It returns nil for a
// reference that holds neither a page nor a key.
type Loader interface {
	Load(ref *page.Reference) (*page.Page, error)
}

// Preparer makes the indirect page behind ref writable for the current
// revision: it returns the page already cloned in this transaction, clones
// the committed one, or allocates a fresh one. ref is rewired to the result.
type Preparer interface {
	PrepareIndirect(ref *page.Reference) (*page.Page, error)
}

// Dereference walks the trie below root down to the reference that holds
// record number n. It never modifies a page and returns nil when any page
// along the path is unallocated.
func Dereference(ld Loader, l Layout, root *page.Reference, n uint64) (*page.Reference, error) {
	if err := l.Check(n); err != nil {
		return nil, err
	}
	ref := root
	for level := 0; level < l.Levels; level++ {
		if ref == nil || ref.IsEmpty() {
			return nil, nil
		}
		p, err := ld.Load(ref)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		if p.Kind() != page.KindIndirect {
			return nil, dberror.Corrupt(fmt.Sprintf("indirect: expected indirect page at level %d, found %s", level, p), nil)
		}
		ref, err = p.PeekReference(l.Offset(n, level))
		if err != nil {
			return nil, err
		}
	}
	if ref == nil || ref.IsEmpty() {
		return nil, nil
	}
	return ref, nil
}

// PrepareLeaf is the write path of Dereference. Every indirect page on the
// path to n is made writable through pr, allocating pages that do not exist
// yet, and the leaf reference is returned. root must belong to a page that is
// already writable in the calling transaction.
func PrepareLeaf(pr Preparer, l Layout, root *page.Reference, n uint64) (*page.Reference, error) {
	if err := l.Check(n); err != nil {
		return nil, err
	}
	ref := root
	for level := 0; level < l.Levels; level++ {
		p, err := pr.PrepareIndirect(ref)
		if err != nil {
			return nil, err
		}
		ref, err = p.GetOrCreateReference(l.Offset(n, level))
		if err != nil {
			return nil, err
		}
	}
	return ref, nil
}
