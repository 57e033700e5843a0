package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessToken = "test-token"
	cfg.Batch = testBatchSettings()
	return cfg
}

func TestEnsureMergeFieldCreatesOnce(t *testing.T) {
	f := newFakeMailchimp(t)
	cache := NewSchemaCache(MailchimpFetcherAndUpdater{f.context(testConfig())})

	var wg sync.WaitGroup
	tags := make([]string, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tags[i], errs[i] = cache.EnsureMergeField("SHIRTSIZE", "ShirtSize", "text", context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "SHIRTSIZE", tags[i])
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.createMergeCalls)
}

func TestEnsureMergeFieldExistingRemote(t *testing.T) {
	f := newFakeMailchimp(t)
	f.mergeFields = append(f.mergeFields, MergeFieldDef{MergeID: 9, Tag: "SHIRTSIZE", Name: "ShirtSize", Type: "text"})
	cache := NewSchemaCache(MailchimpFetcherAndUpdater{f.context(testConfig())})

	tag, err := cache.EnsureMergeField("SHIRTSIZE", "ShirtSize", "text", context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SHIRTSIZE", tag)
	assert.True(t, cache.HasMergeField("SHIRTSIZE"))
	f.mu.Lock()
	assert.Equal(t, 0, f.createMergeCalls)
	f.mu.Unlock()
}

func TestEnsureMergeFieldFailureRemembered(t *testing.T) {
	f := newFakeMailchimp(t)
	f.failMergeCreate = true
	cache := NewSchemaCache(MailchimpFetcherAndUpdater{f.context(testConfig())})

	_, err := cache.EnsureMergeField("SHIRTSIZE", "ShirtSize", "text", context.Background())
	var provisionErr *SchemaProvisionError
	require.True(t, errors.As(err, &provisionErr))
	assert.Equal(t, "SHIRTSIZE", provisionErr.FieldKey)

	// The failed creation is not retried within the session.
	_, err = cache.EnsureMergeField("SHIRTSIZE", "ShirtSize", "text", context.Background())
	require.True(t, errors.As(err, &provisionErr))
	f.mu.Lock()
	assert.Equal(t, 1, f.createMergeCalls)
	f.mu.Unlock()
}

func TestEnsureInterestCreatesCategoryAndInterest(t *testing.T) {
	f := newFakeMailchimp(t)
	cache := NewSchemaCache(MailchimpFetcherAndUpdater{f.context(testConfig())})

	id, err := cache.EnsureInterest("Preferences", "Weekly", context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	f.mu.Lock()
	require.Len(t, f.categories, 1)
	assert.Equal(t, "Preferences", f.categories[0].Title)
	require.Len(t, f.interests[f.categories[0].ID], 1)
	assert.Equal(t, "Weekly", f.interests[f.categories[0].ID][0].Name)
	f.mu.Unlock()

	// A second interest in the same category reuses the category.
	_, err = cache.EnsureInterest("Preferences", "Monthly", context.Background())
	require.NoError(t, err)
	f.mu.Lock()
	assert.Len(t, f.categories, 1)
	assert.Len(t, f.interests[f.categories[0].ID], 2)
	f.mu.Unlock()

	// Cached on repeat lookup, case insensitively.
	again, err := cache.EnsureInterest("preferences", "weekly", context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	f.mu.Lock()
	assert.Len(t, f.interests[f.categories[0].ID], 2)
	f.mu.Unlock()
}

func TestEnsureInterestExistingRemote(t *testing.T) {
	f := newFakeMailchimp(t)
	f.categories = []InterestCategory{{ID: "cat-1", Title: "Preferences"}}
	f.interests["cat-1"] = []Interest{{ID: "int-1", CategoryID: "cat-1", Name: "Weekly"}}
	cache := NewSchemaCache(MailchimpFetcherAndUpdater{f.context(testConfig())})

	id, err := cache.EnsureInterest("Preferences", "Weekly", context.Background())
	require.NoError(t, err)
	assert.Equal(t, "int-1", id)
	f.mu.Lock()
	assert.Len(t, f.interests["cat-1"], 1)
	f.mu.Unlock()
}
