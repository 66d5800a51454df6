package callkit_test

import (
	"testing"

	testutilsext "go.ringline.dev/callkit/testutils/ext"
)

func TestMain(m *testing.M) {
	testutilsext.VerifyTestMain(m)
}
