package mongoutils

import (
	"testing"

	"go.viam.com/test"
)

func TestRegisterNamespace(t *testing.T) {
	db := "ringline"
	calls := "calls"
	users := "users"
	test.That(t, RegisterNamespace(&db, &calls), test.ShouldBeNil)
	test.That(t, RegisterNamespace(&db, &calls), test.ShouldBeNil)
	test.That(t, RegisterNamespace(&db, &users), test.ShouldBeNil)

	otherCalls := "calls"
	err := RegisterNamespace(&db, &otherCalls)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "more than one location")

	test.That(t, Namespaces()[db], test.ShouldResemble, []string{"calls", "users"})

	newNamespaces, restore := RandomizeNamespaces()
	test.That(t, db, test.ShouldStartWith, "test-")
	test.That(t, calls, test.ShouldNotEqual, "calls")
	test.That(t, newNamespaces[db], test.ShouldResemble, []string{calls, users})

	restore()
	test.That(t, db, test.ShouldEqual, "ringline")
	test.That(t, calls, test.ShouldEqual, "calls")
	test.That(t, users, test.ShouldEqual, "users")
}
