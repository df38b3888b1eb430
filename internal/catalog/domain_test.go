package catalog_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"shelfsync/internal/apperr"
	"shelfsync/internal/catalog"
)

func Test_Issue_AvailableCopy(t *testing.T) {
	c := catalog.BookCopy{ID: uuid.New(), Status: catalog.StatusAvailable}

	require.NoError(t, c.Issue())
	assert.Equal(t, catalog.StatusIssued, c.Status)
}

func Test_Issue_IssuedCopyConflicts(t *testing.T) {
	c := catalog.BookCopy{ID: uuid.New(), Status: catalog.StatusIssued}

	err := c.Issue()

	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, catalog.StatusIssued, c.Status)
}

func Test_MarkReturned_AvailableCopyIsInvalidState(t *testing.T) {
	c := catalog.BookCopy{ID: uuid.New(), Status: catalog.StatusAvailable}

	err := c.MarkReturned()

	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
	assert.Equal(t, catalog.StatusAvailable, c.Status)
}

func Test_CopyLifecycle_IsCyclic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := catalog.BookCopy{ID: uuid.New(), Status: catalog.StatusAvailable}
		steps := rapid.SliceOfN(rapid.Bool(), 1, 50).Draw(t, "issueOrReturn")

		for _, issue := range steps {
			before := c.Status
			var err error
			if issue {
				err = c.Issue()
			} else {
				err = c.MarkReturned()
			}

			switch {
			case issue && before == catalog.StatusAvailable, !issue && before == catalog.StatusIssued:
				if err != nil {
					t.Fatalf("legal transition from %s failed: %v", before, err)
				}
				if c.Status == before {
					t.Fatalf("status did not change from %s", before)
				}
			default:
				if err == nil {
					t.Fatalf("illegal transition from %s succeeded", before)
				}
				if c.Status != before {
					t.Fatalf("failed transition changed status %s -> %s", before, c.Status)
				}
			}
			if !c.Status.Valid() {
				t.Fatalf("invalid status %q", c.Status)
			}
		}
	})
}
