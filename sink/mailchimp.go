package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/cenkalti/backoff/v4"
)

// MailchimpFetcherAndUpdater handles all Mailchimp Marketing API operations.
// It embeds *SinkContext for shared sink configuration.
type MailchimpFetcherAndUpdater struct {
	*SinkContext
}

// MailchimpError is the API's problem-detail error body.
type MailchimpError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Err returns a descriptive error, or nil for a zero value.
func (e MailchimpError) Err() error {
	if e.Status == 0 && e.Title == "" {
		return nil
	}
	return fmt.Errorf("mailchimp: %s (%d): %s", e.Title, e.Status, e.Detail)
}

// wrapAPIError attaches the decoded API error body, when present, to a
// transport error returned by a fetch.
func wrapAPIError(err error, apierr MailchimpError) error {
	if err == nil {
		return nil
	}
	if detail := apierr.Err(); detail != nil {
		return fmt.Errorf("%w: %v", err, detail)
	}
	return err
}

// APIBuilder returns a new requests.Builder configured for the Mailchimp API.
func (m MailchimpFetcherAndUpdater) APIBuilder() *requests.Builder {
	result := requests.
		URL(m.APIEndpoint).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Bearer(m.Config.AccessToken)
	if m.RecordRequests {
		result = result.Transport(requests.Record(nil, fmt.Sprintf("pkg/testdata/.requests/%s", m.Datacenter)))
	}
	return result
}

func (m MailchimpFetcherAndUpdater) metadataURL() string {
	if m.MetadataEndpoint != "" {
		return m.MetadataEndpoint
	}
	return OAuthMetadataURL
}

// DiscoverDatacenter resolves the account datacenter and API endpoint
// for the configured access token via the OAuth metadata endpoint.
func (m MailchimpFetcherAndUpdater) DiscoverDatacenter(ctx context.Context) (dc string, endpoint string, err error) {
	response := struct {
		DC          string `json:"dc"`
		APIEndpoint string `json:"api_endpoint"`
		Error       string `json:"error"`
	}{}

	err = requests.
		URL(m.metadataURL()).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Header("Authorization", fmt.Sprintf("OAuth %s", m.Config.AccessToken)).
		ToJSON(&response).
		Fetch(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch oauth metadata: %w", err)
	}
	if response.Error != "" {
		return "", "", fmt.Errorf("oauth metadata error: %s", response.Error)
	}
	if response.DC == "" {
		return "", "", errors.New("oauth metadata is missing the datacenter")
	}
	endpoint = response.APIEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.api.mailchimp.com", response.DC)
	}
	return response.DC, endpoint, nil
}

// Audience is a Mailchimp list.
type Audience struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListAudiences returns all audiences in the account.
func (m MailchimpFetcherAndUpdater) ListAudiences(ctx context.Context) ([]Audience, error) {
	response := struct {
		Lists []Audience `json:"lists"`
	}{}
	var apierr MailchimpError

	err := m.APIBuilder().
		Path("/3.0/lists").
		Param("count", "1000").
		ToJSON(&response).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to list audiences: %w", err), apierr)
	}

	return response.Lists, nil
}

// MergeFieldDef describes a merge field defined on the audience.
type MergeFieldDef struct {
	MergeID int    `json:"merge_id"`
	Tag     string `json:"tag"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// ListMergeFields returns the merge fields defined on the audience.
func (m MailchimpFetcherAndUpdater) ListMergeFields(ctx context.Context) ([]MergeFieldDef, error) {
	response := struct {
		MergeFields []MergeFieldDef `json:"merge_fields"`
	}{}
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/merge-fields", m.ListID)).
		Param("count", "1000").
		ToJSON(&response).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to list merge fields: %w", err), apierr)
	}

	return response.MergeFields, nil
}

// CreateMergeField creates a merge field on the audience.
func (m MailchimpFetcherAndUpdater) CreateMergeField(tag string, name string, fieldtype string, ctx context.Context) (MergeFieldDef, error) {
	req := struct {
		Tag  string `json:"tag"`
		Name string `json:"name"`
		Type string `json:"type"`
	}{
		Tag:  tag,
		Name: name,
		Type: fieldtype,
	}

	var created MergeFieldDef
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/merge-fields", m.ListID)).
		BodyJSON(&req).
		ToJSON(&created).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return MergeFieldDef{}, wrapAPIError(fmt.Errorf("failed to create merge field %q: %w", tag, err), apierr)
	}

	return created, nil
}

// InterestCategory groups interests on the audience.
type InterestCategory struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListInterestCategories returns the interest categories on the audience.
func (m MailchimpFetcherAndUpdater) ListInterestCategories(ctx context.Context) ([]InterestCategory, error) {
	response := struct {
		Categories []InterestCategory `json:"categories"`
	}{}
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/interest-categories", m.ListID)).
		Param("count", "60").
		ToJSON(&response).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to list interest categories: %w", err), apierr)
	}

	return response.Categories, nil
}

// CreateInterestCategory creates a checkbox interest category on the audience.
func (m MailchimpFetcherAndUpdater) CreateInterestCategory(title string, ctx context.Context) (InterestCategory, error) {
	req := struct {
		Title string `json:"title"`
		Type  string `json:"type"`
	}{
		Title: title,
		Type:  "checkboxes",
	}

	var created InterestCategory
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/interest-categories", m.ListID)).
		BodyJSON(&req).
		ToJSON(&created).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return InterestCategory{}, wrapAPIError(fmt.Errorf("failed to create interest category %q: %w", title, err), apierr)
	}

	return created, nil
}

// Interest is a selectable group within an interest category.
type Interest struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
}

// ListInterests returns the interests within a category.
func (m MailchimpFetcherAndUpdater) ListInterests(categoryid string, ctx context.Context) ([]Interest, error) {
	response := struct {
		Interests []Interest `json:"interests"`
	}{}
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/interest-categories/%s/interests", m.ListID, categoryid)).
		Param("count", "1000").
		ToJSON(&response).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return nil, wrapAPIError(fmt.Errorf("failed to list interests for category %q: %w", categoryid, err), apierr)
	}

	return response.Interests, nil
}

// CreateInterest creates an interest within a category.
func (m MailchimpFetcherAndUpdater) CreateInterest(categoryid string, name string, ctx context.Context) (Interest, error) {
	req := struct {
		Name string `json:"name"`
	}{
		Name: name,
	}

	var created Interest
	var apierr MailchimpError

	err := m.APIBuilder().
		Path(fmt.Sprintf("/3.0/lists/%s/interest-categories/%s/interests", m.ListID, categoryid)).
		BodyJSON(&req).
		ToJSON(&created).
		ErrorJSON(&apierr).
		Fetch(ctx)
	if err != nil {
		return Interest{}, wrapAPIError(fmt.Errorf("failed to create interest %q: %w", name, err), apierr)
	}

	return created, nil
}

// BatchJob is the state of a submitted asynchronous bulk job.
type BatchJob struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	TotalOperations    int    `json:"total_operations"`
	FinishedOperations int    `json:"finished_operations"`
	ErroredOperations  int    `json:"errored_operations"`
	ResponseBodyURL    string `json:"response_body_url"`
}

// BatchJobFinished is the terminal status reported by the batch endpoint.
const BatchJobFinished = "finished"

// BatchOperation is one entry of the bulk-operation envelope, keyed by
// its operation id (the correlation key).
type BatchOperation struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	OperationID string `json:"operation_id"`
	Body        string `json:"body"`
}

// SubmitBatch submits a bulk-operation envelope, yielding a job handle.
func (m MailchimpFetcherAndUpdater) SubmitBatch(operations []BatchOperation, ctx context.Context) (BatchJob, error) {
	req := struct {
		Operations []BatchOperation `json:"operations"`
	}{
		Operations: operations,
	}

	var job BatchJob
	var apierr MailchimpError

	err := m.retryTransient(ctx, func() error {
		return m.APIBuilder().
			Path("/3.0/batches").
			BodyJSON(&req).
			ToJSON(&job).
			ErrorJSON(&apierr).
			Fetch(ctx)
	})
	if err != nil {
		return BatchJob{}, wrapAPIError(fmt.Errorf("failed to submit batch: %w", err), apierr)
	}

	return job, nil
}

// GetBatch fetches the current status of a bulk job.
func (m MailchimpFetcherAndUpdater) GetBatch(jobid string, ctx context.Context) (BatchJob, error) {
	var job BatchJob
	var apierr MailchimpError

	err := m.retryTransient(ctx, func() error {
		return m.APIBuilder().
			Path(fmt.Sprintf("/3.0/batches/%s", jobid)).
			ToJSON(&job).
			ErrorJSON(&apierr).
			Fetch(ctx)
	})
	if err != nil {
		return BatchJob{}, wrapAPIError(fmt.Errorf("failed to fetch batch %q: %w", jobid, err), apierr)
	}

	return job, nil
}

// FetchBatchResults downloads and decodes the result archive of a
// finished bulk job. The archive URL is pre-signed; no auth header is sent.
func (m MailchimpFetcherAndUpdater) FetchBatchResults(responsebodyurl string, ctx context.Context) ([]OperationResult, error) {
	var buf bytes.Buffer

	err := m.retryTransient(ctx, func() error {
		buf.Reset()
		return requests.
			URL(responsebodyurl).
			Client(&http.Client{Timeout: HTTPRequestTimeout}).
			ToBytesBuffer(&buf).
			Fetch(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batch results: %w", err)
	}

	results, err := decodeBatchResults(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode batch results: %w", err)
	}
	return results, nil
}

// MemberUpsertResponse is the member returned by the upsert endpoint.
type MemberUpsertResponse struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
	Status       string `json:"status"`
}

// UpsertMember performs a direct update-or-insert of one member, keyed
// by the payload's subscriber hash.
func (m MailchimpFetcherAndUpdater) UpsertMember(payload MemberPayload, ctx context.Context) (MemberUpsertResponse, MailchimpError, error) {
	body, err := payload.Body()
	if err != nil {
		return MemberUpsertResponse{}, MailchimpError{}, err
	}

	var member MemberUpsertResponse
	var apierr MailchimpError

	err = m.retryTransient(ctx, func() error {
		return m.APIBuilder().
			Path(fmt.Sprintf("/3.0/lists/%s/members/%s", m.ListID, payload.SubscriberHash())).
			Put().
			BodyBytes(body).
			ContentType("application/json").
			ToJSON(&member).
			ErrorJSON(&apierr).
			Fetch(ctx)
	})
	if err != nil {
		return MemberUpsertResponse{}, apierr,
			wrapAPIError(fmt.Errorf("failed to upsert member %q: %w", payload.CorrelationKey(), err), apierr)
	}

	return member, MailchimpError{}, nil
}

// retryTransient retries fn with capped exponential backoff for
// transport-level failures. Remote validation errors are permanent.
// Applied only at the submission/polling boundary.
func (m MailchimpFetcherAndUpdater) retryTransient(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryInitialInterval()
	policy.MaxInterval = 16 * policy.InitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (m MailchimpFetcherAndUpdater) retryInitialInterval() time.Duration {
	if m.Config.Batch.PollInitialInterval > 0 && m.Config.Batch.PollInitialInterval < 500*time.Millisecond {
		// Short poll intervals indicate a test configuration; retry fast too.
		return m.Config.Batch.PollInitialInterval
	}
	return 500 * time.Millisecond
}

// isTransient reports whether an error is worth retrying: rate limits,
// server-side failures and network errors.
func isTransient(err error) bool {
	if requests.HasStatusErr(err, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, requests.ErrTransport)
}
