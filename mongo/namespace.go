// Package mongoutils contains utilities for working with MongoDB more effectively.
package mongoutils

import (
	"fmt"
	"sync"

	"go.ringline.dev/callkit"
)

var (
	namespaces   = map[*string][]*string{}
	namespacesMu sync.Mutex
)

// RegisterNamespace globally registers the given database and collection as in use
// with MongoDB. It will error if the same collection name is registered from a
// different location.
func RegisterNamespace(db, coll *string) error {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()
	colls := namespaces[db]
	for _, existingColl := range colls {
		if coll == existingColl {
			return nil
		}
		if *coll == *existingColl {
			return fmt.Errorf("%q defined in more than one location", *coll)
		}
	}
	namespaces[db] = append(colls, coll)
	return nil
}

// MustRegisterNamespace ensures the given database and collection can be registered
// and panics otherwise.
func MustRegisterNamespace(db, coll *string) {
	if err := RegisterNamespace(db, coll); err != nil {
		panic(err)
	}
}

func getNamespaces() map[string][]string {
	namespacesCopy := map[string][]string{}
	for db, colls := range namespaces {
		namespacesCopy[*db] = nil
		for _, coll := range colls {
			namespacesCopy[*db] = append(namespacesCopy[*db], *coll)
		}
	}
	return namespacesCopy
}

// Namespaces returns a copy of all registered namespaces.
func Namespaces() map[string][]string {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()
	return getNamespaces()
}

// RandomizeNamespaces remaps all registered namespaces to random names so that tests
// do not share data. The returned restore function puts the original names back.
func RandomizeNamespaces() (newNamespaces map[string][]string, restore func()) {
	namespacesMu.Lock()
	defer namespacesMu.Unlock()

	type rename struct {
		ptr  *string
		from string
	}
	var renames []rename
	for db, colls := range namespaces {
		renames = append(renames, rename{db, *db})
		*db = "test-" + callkit.RandomAlphaString(5)
		for _, coll := range colls {
			renames = append(renames, rename{coll, *coll})
			*coll = callkit.RandomAlphaString(5)
		}
	}
	return getNamespaces(), func() {
		namespacesMu.Lock()
		defer namespacesMu.Unlock()
		for _, r := range renames {
			*r.ptr = r.from
		}
	}
}
