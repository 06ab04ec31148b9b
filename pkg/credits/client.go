package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Caller issues the remote procedure calls backing a Service. Each call is a
// single independent round trip against the transactional store; the store,
// not the caller, is authoritative for every balance decision.
type Caller interface {
	GetUserCredits(ctx context.Context) (UserCredits, error)
	SpendCredits(ctx context.Context, params SpendParams) (bool, error)
	EarnCredits(ctx context.Context, params EarnParams) (bool, error)
	GetCreditHistory(ctx context.Context, params HistoryParams) ([]CreditTransaction, error)
	InitializeUserCredits(ctx context.Context) (bool, error)
}

const (
	procedureGetUserCredits    = "get_user_credits"
	procedureSpendCredits      = "spend_credits"
	procedureEarnCredits       = "earn_credits"
	procedureGetCreditHistory  = "get_credit_history"
	procedureInitializeCredits = "initialize_user_credits"

	headerAPIKey        = "apikey"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "

	remoteCodeNotFound            = "not_found"
	remoteCodeInsufficientCredits = "insufficient_credits"

	defaultCallTimeout = 5 * time.Second
)

// ClientConfig holds the connection settings for the remote credits store.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPClient talks to the remote store's procedure surface over JSON. Bind it
// to a caller identity with ForUser before issuing calls.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPClient validates the configuration and builds a client.
func NewHTTPClient(config ClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidClientConfig)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// ForUser binds the client to the caller's access token. The store derives
// the caller identity from the token; it is never sent in request bodies.
func (client *HTTPClient) ForUser(accessToken string) Caller {
	return &boundCaller{client: client, accessToken: accessToken}
}

type boundCaller struct {
	client      *HTTPClient
	accessToken string
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type remoteErrorEnvelope struct {
	Error remoteError `json:"error"`
}

type successEnvelope struct {
	Success bool `json:"success"`
}

type historyEnvelope struct {
	Transactions []CreditTransaction `json:"transactions"`
}

type spendCreditsRequest struct {
	SpendAmount      int64          `json:"spend_amount"`
	SpendDescription string         `json:"spend_description"`
	ReferenceID      *string        `json:"reference_id"`
	MetadataJSON     map[string]any `json:"metadata_json"`
}

type earnCreditsRequest struct {
	EarnAmount      int64          `json:"earn_amount"`
	EarnDescription string         `json:"earn_description"`
	ReferenceID     *string        `json:"reference_id"`
	MetadataJSON    map[string]any `json:"metadata_json"`
}

type creditHistoryRequest struct {
	PageSize   int     `json:"page_size"`
	PageOffset int     `json:"page_offset"`
	FilterType *string `json:"filter_type"`
}

func (caller *boundCaller) GetUserCredits(ctx context.Context) (UserCredits, error) {
	var row UserCredits
	err := caller.call(ctx, procedureGetUserCredits, struct{}{}, &row)
	if err != nil {
		if remote, ok := asRemoteError(err); ok && remote.Code == remoteCodeNotFound {
			return UserCredits{}, WrapError(operationGetCredits, "credits", remote.Code, ErrLedgerNotFound)
		}
		return UserCredits{}, WrapError(operationGetCredits, "credits", "fetch", fmt.Errorf("%w: %v", ErrLedgerFetch, err))
	}
	return row, nil
}

func (caller *boundCaller) SpendCredits(ctx context.Context, params SpendParams) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}
	request := spendCreditsRequest{
		SpendAmount:      params.Amount,
		SpendDescription: descriptionOrDefault(params.Description, defaultSpendDescription),
		ReferenceID:      optionalString(params.ReferenceID),
		MetadataJSON:     metadataOrEmpty(params.Metadata),
	}
	var response successEnvelope
	err := caller.call(ctx, procedureSpendCredits, request, &response)
	if err != nil {
		if remote, ok := asRemoteError(err); ok && remote.Code == remoteCodeInsufficientCredits {
			return false, WrapError(operationSpend, "balance", remote.Code, ErrInsufficientBalance)
		}
		return false, WrapError(operationSpend, "credits", "remote", fmt.Errorf("%w: %v", ErrLedgerOperation, err))
	}
	return response.Success, nil
}

func (caller *boundCaller) EarnCredits(ctx context.Context, params EarnParams) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}
	request := earnCreditsRequest{
		EarnAmount:      params.Amount,
		EarnDescription: descriptionOrDefault(params.Description, defaultEarnDescription),
		ReferenceID:     optionalString(params.ReferenceID),
		MetadataJSON:    metadataOrEmpty(params.Metadata),
	}
	var response successEnvelope
	err := caller.call(ctx, procedureEarnCredits, request, &response)
	if err != nil {
		return false, WrapError(operationEarn, "credits", "remote", fmt.Errorf("%w: %v", ErrLedgerOperation, err))
	}
	return response.Success, nil
}

func (caller *boundCaller) GetCreditHistory(ctx context.Context, params HistoryParams) ([]CreditTransaction, error) {
	normalized, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	var filter *string
	if normalized.FilterType != "" {
		value := normalized.FilterType.String()
		filter = &value
	}
	request := creditHistoryRequest{
		PageSize:   normalized.PageSize,
		PageOffset: normalized.PageOffset,
		FilterType: filter,
	}
	var response historyEnvelope
	if err := caller.call(ctx, procedureGetCreditHistory, request, &response); err != nil {
		return nil, WrapError(operationHistory, "transactions", "fetch", fmt.Errorf("%w: %v", ErrLedgerFetch, err))
	}
	return response.Transactions, nil
}

// InitializeUserCredits asks the store to seed the caller's ledger with the
// signup allowance. The store deduplicates the grant, so the call is safe to
// replay.
func (caller *boundCaller) InitializeUserCredits(ctx context.Context) (bool, error) {
	var response successEnvelope
	if err := caller.call(ctx, procedureInitializeCredits, struct{}{}, &response); err != nil {
		return false, WrapError(operationInitialize, "credits", "remote", fmt.Errorf("%w: %v", ErrLedgerOperation, err))
	}
	return response.Success, nil
}

// call performs one POST round trip against /rpc/<procedure>. Mutating
// procedures are not idempotent, so failed calls are surfaced as-is and never
// retried here.
func (caller *boundCaller) call(ctx context.Context, procedure string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", procedure, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, caller.client.timeout)
	defer cancel()

	endpoint := caller.client.baseURL + "/rpc/" + procedure
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", procedure, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerAPIKey, caller.client.apiKey)
	if caller.accessToken != "" {
		request.Header.Set(headerAuthorization, bearerPrefix+caller.accessToken)
	}

	response, err := caller.client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s round trip: %w", procedure, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		var envelope remoteErrorEnvelope
		if decodeErr := json.NewDecoder(response.Body).Decode(&envelope); decodeErr == nil && envelope.Error.Code != "" {
			return &remoteCallError{status: response.StatusCode, remote: envelope.Error}
		}
		return fmt.Errorf("%s returned status %d", procedure, response.StatusCode)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response: %w", procedure, err)
	}
	return nil
}

// remoteCallError carries the structured error body of a failed procedure call.
type remoteCallError struct {
	status int
	remote remoteError
}

func (callError *remoteCallError) Error() string {
	return fmt.Sprintf("remote call failed (%d): %s: %s", callError.status, callError.remote.Code, callError.remote.Message)
}

func asRemoteError(err error) (remoteError, bool) {
	var callError *remoteCallError
	if errors.As(err, &callError) {
		return callError.remote, true
	}
	return remoteError{}, false
}

func descriptionOrDefault(description string, fallback string) string {
	if strings.TrimSpace(description) == "" {
		return fallback
	}
	return description
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func metadataOrEmpty(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}
