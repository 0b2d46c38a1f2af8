package mem

import (
	"context"
	"testing"

	"github.com/bobg/recsync/testutil"
)

func TestLedger(t *testing.T) {
	testutil.Ledger(context.Background(), t, New())
}
