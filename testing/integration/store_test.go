//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/zoobzio/rill"
	rilltesting "github.com/zoobzio/rill/testing"
)

func TestPostgresProvider_Integration(t *testing.T) {
	tdb := setupTestDB(t)
	defer tdb.cleanup(t)
	createCollection(t, tdb, rilltesting.SuiteCollection, "title", "status")

	rilltesting.RunStoreSuite(t, "postgres", func(t *testing.T) rill.Store {
		truncate(t, tdb, rilltesting.SuiteCollection)
		// Let notifications from the previous subtest drain.
		time.Sleep(200 * time.Millisecond)
		return tdb.provider
	})
}
