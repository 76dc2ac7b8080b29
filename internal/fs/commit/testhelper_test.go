package commit_test

import (
	"testing"

	"gitlab.com/gitlab-org/revfs/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
