package analysis

import (
	"encoding/json"
	"time"
)

// ResultStatus represents the terminal state of one provider's work within a
// job.
type ResultStatus string

const (
	// ResultStatusSucceeded indicates the provider returned a payload.
	ResultStatusSucceeded ResultStatus = "SUCCEEDED"

	// ResultStatusFailed indicates the provider returned an error.
	ResultStatusFailed ResultStatus = "FAILED"

	// ResultStatusTimedOut indicates the provider neither succeeded nor failed
	// within its configured timeout. Treated as a failure for aggregation.
	ResultStatusTimedOut ResultStatus = "TIMED_OUT"
)

func (s ResultStatus) String() string { return string(s) }

// ParseResultStatus converts a string to a ResultStatus.
func ParseResultStatus(s string) ResultStatus {
	switch s {
	case "SUCCEEDED":
		return ResultStatusSucceeded
	case "FAILED":
		return ResultStatusFailed
	case "TIMED_OUT":
		return ResultStatusTimedOut
	default:
		return ""
	}
}

// ProviderResult records the outcome of one provider's analysis of an asset.
// Results are owned by the job that requested them; once a provider has a
// succeeded result it is final, while a failed or timed-out result may be
// superseded by a later attempt.
type ProviderResult struct {
	providerName string
	status       ResultStatus
	payload      json.RawMessage
	errorDetail  string
	recordedAt   time.Time
}

// NewSucceededResult records a successful provider outcome with its payload.
func NewSucceededResult(providerName string, payload json.RawMessage) ProviderResult {
	return ProviderResult{
		providerName: providerName,
		status:       ResultStatusSucceeded,
		payload:      payload,
		recordedAt:   time.Now(),
	}
}

// NewFailedResult records a failed provider outcome with its error detail.
func NewFailedResult(providerName string, errorDetail string) ProviderResult {
	return ProviderResult{
		providerName: providerName,
		status:       ResultStatusFailed,
		errorDetail:  errorDetail,
		recordedAt:   time.Now(),
	}
}

// NewTimedOutResult records a provider that produced no outcome within its
// timeout.
func NewTimedOutResult(providerName string) ProviderResult {
	return ProviderResult{
		providerName: providerName,
		status:       ResultStatusTimedOut,
		errorDetail:  "provider timed out",
		recordedAt:   time.Now(),
	}
}

// ReconstructProviderResult creates a ProviderResult from persisted data.
// This should only be used by repositories when loading from the store.
func ReconstructProviderResult(
	providerName string,
	status ResultStatus,
	payload json.RawMessage,
	errorDetail string,
	recordedAt time.Time,
) ProviderResult {
	return ProviderResult{
		providerName: providerName,
		status:       status,
		payload:      payload,
		errorDetail:  errorDetail,
		recordedAt:   recordedAt,
	}
}

// ProviderName returns the provider that produced this result.
func (r ProviderResult) ProviderName() string { return r.providerName }

// Status returns the terminal status of the provider's work.
func (r ProviderResult) Status() ResultStatus { return r.status }

// Payload returns the provider-specific structured data, nil unless the
// provider succeeded.
func (r ProviderResult) Payload() json.RawMessage { return r.payload }

// ErrorDetail returns the provider's error message, empty on success.
func (r ProviderResult) ErrorDetail() string { return r.errorDetail }

// RecordedAt returns when the result was recorded.
func (r ProviderResult) RecordedAt() time.Time { return r.recordedAt }

// Succeeded reports whether the provider produced a payload.
func (r ProviderResult) Succeeded() bool { return r.status == ResultStatusSucceeded }

// MarshalJSON serializes the ProviderResult for transport and storage.
func (r ProviderResult) MarshalJSON() ([]byte, error) {
	type resultDTO struct {
		ProviderName string          `json:"provider_name"`
		Status       string          `json:"status"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		ErrorDetail  string          `json:"error_detail,omitempty"`
		RecordedAt   time.Time       `json:"recorded_at"`
	}

	return json.Marshal(resultDTO{
		ProviderName: r.providerName,
		Status:       r.status.String(),
		Payload:      r.payload,
		ErrorDetail:  r.errorDetail,
		RecordedAt:   r.recordedAt,
	})
}

// UnmarshalJSON deserializes JSON data into a ProviderResult.
func (r *ProviderResult) UnmarshalJSON(data []byte) error {
	type resultDTO struct {
		ProviderName string          `json:"provider_name"`
		Status       string          `json:"status"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		ErrorDetail  string          `json:"error_detail,omitempty"`
		RecordedAt   time.Time       `json:"recorded_at"`
	}

	var dto resultDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	r.providerName = dto.ProviderName
	r.status = ParseResultStatus(dto.Status)
	r.payload = dto.Payload
	r.errorDetail = dto.ErrorDetail
	r.recordedAt = dto.RecordedAt

	return nil
}
