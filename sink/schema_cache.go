package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SchemaCache tracks which merge fields and interest categories already
// exist on the destination audience, creating missing ones on demand.
// Entries are created lazily, read through and never evicted — the cache
// is scoped to one sink session. Creation is serialised per logical key
// so concurrent requests for the same missing identity never issue
// duplicate creation calls, while distinct keys provision concurrently.
type SchemaCache struct {
	mc     MailchimpFetcherAndUpdater
	flight singleflight.Group

	mu          sync.Mutex
	primed      bool
	mergeFields map[string]MergeFieldDef // tag -> definition
	categories  map[string]string        // lower-cased title -> category id
	interests   map[string]string        // lower-cased "title/name" -> interest id
	failed      map[string]error         // logical key -> provisioning error
}

// NewSchemaCache returns an empty cache backed by the given API client.
func NewSchemaCache(mc MailchimpFetcherAndUpdater) *SchemaCache {
	return &SchemaCache{
		mc:          mc,
		mergeFields: make(map[string]MergeFieldDef),
		categories:  make(map[string]string),
		interests:   make(map[string]string),
		failed:      make(map[string]error),
	}
}

// Preload seeds the cache with known remote schema and marks it primed.
// Used by tests and by callers that have already fetched the schema.
func (c *SchemaCache) Preload(mergefields []MergeFieldDef, categories map[string]string, interests map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, def := range mergefields {
		c.mergeFields[def.Tag] = def
	}
	for title, id := range categories {
		c.categories[strings.ToLower(title)] = id
	}
	for key, id := range interests {
		c.interests[strings.ToLower(key)] = id
	}
	c.primed = true
}

// prime fetches the remote schema once per session.
func (c *SchemaCache) prime(ctx context.Context) error {
	_, err, _ := c.flight.Do("prime", func() (interface{}, error) {
		c.mu.Lock()
		primed := c.primed
		c.mu.Unlock()
		if primed {
			return nil, nil
		}

		fields, err := c.mc.ListMergeFields(ctx)
		if err != nil {
			return nil, err
		}
		cats, err := c.mc.ListInterestCategories(ctx)
		if err != nil {
			return nil, err
		}
		categories := make(map[string]string, len(cats))
		interests := make(map[string]string)
		for _, cat := range cats {
			categories[cat.Title] = cat.ID
			ints, err := c.mc.ListInterests(cat.ID, ctx)
			if err != nil {
				return nil, err
			}
			for _, in := range ints {
				interests[fmt.Sprintf("%s/%s", cat.Title, in.Name)] = in.ID
			}
		}

		c.Preload(fields, categories, interests)
		return nil, nil
	})
	return err
}

// EnsureMergeField returns the remote tag for a merge field, creating
// the field on the audience if it does not exist yet. Idempotent. A
// failed creation is remembered for the session and surfaced as a
// SchemaProvisionError to every caller referencing the same tag.
func (c *SchemaCache) EnsureMergeField(tag string, name string, fieldtype string, ctx context.Context) (string, error) {
	if err := c.prime(ctx); err != nil {
		return "", err
	}

	key := fmt.Sprintf("merge-field/%s", tag)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if err, exists := c.failed[key]; exists {
			c.mu.Unlock()
			return nil, err
		}
		if def, exists := c.mergeFields[tag]; exists {
			c.mu.Unlock()
			return def.Tag, nil
		}
		c.mu.Unlock()

		created, err := c.mc.CreateMergeField(tag, name, fieldtype, ctx)
		if err != nil {
			provisionErr := &SchemaProvisionError{FieldKey: tag, Err: err}
			c.mu.Lock()
			c.failed[key] = provisionErr
			c.mu.Unlock()
			return nil, provisionErr
		}

		c.mu.Lock()
		c.mergeFields[created.Tag] = created
		c.mu.Unlock()
		return created.Tag, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// EnsureInterest returns the remote interest id for a "title/name"
// category entry, creating the category and the interest as needed.
// Idempotent, with the same per-key failure memory as merge fields.
func (c *SchemaCache) EnsureInterest(title string, name string, ctx context.Context) (string, error) {
	if err := c.prime(ctx); err != nil {
		return "", err
	}

	logical := fmt.Sprintf("%s/%s", title, name)
	key := fmt.Sprintf("interest/%s", strings.ToLower(logical))
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if err, exists := c.failed[key]; exists {
			c.mu.Unlock()
			return nil, err
		}
		if id, exists := c.interests[strings.ToLower(logical)]; exists {
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()

		categoryID, err := c.ensureCategory(title, ctx)
		if err == nil {
			var created Interest
			created, err = c.mc.CreateInterest(categoryID, name, ctx)
			if err == nil {
				c.mu.Lock()
				c.interests[strings.ToLower(logical)] = created.ID
				c.mu.Unlock()
				return created.ID, nil
			}
		}

		provisionErr := &SchemaProvisionError{FieldKey: logical, Err: err}
		c.mu.Lock()
		c.failed[key] = provisionErr
		c.mu.Unlock()
		return nil, provisionErr
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ensureCategory resolves or creates the interest category for a title.
// Serialised per title via its own single-flight key.
func (c *SchemaCache) ensureCategory(title string, ctx context.Context) (string, error) {
	key := fmt.Sprintf("category/%s", strings.ToLower(title))
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if id, exists := c.categories[strings.ToLower(title)]; exists {
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()

		created, err := c.mc.CreateInterestCategory(title, ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.categories[strings.ToLower(title)] = created.ID
		c.mu.Unlock()
		return created.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// HasMergeField reports whether a tag is already known to the cache.
func (c *SchemaCache) HasMergeField(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.mergeFields[tag]
	return exists
}
