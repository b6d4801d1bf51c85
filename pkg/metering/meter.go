// Package metering tracks what agent executions cost. The gateway publishes
// usage events on metering.events; a consumer copies them into a queryable
// store that backs the hour/day/week spending windows, and provisional
// charges hold an estimated amount against a principal until the real cost
// arrives or the hold expires.
package metering

import (
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyResourceType is returned when a usage payload has no resource type.
	ErrEmptyResourceType = errors.New("metering: resource_type must not be empty")
	// ErrBadQuantity is returned when quantity is not a non-negative decimal string.
	ErrBadQuantity = errors.New("metering: quantity must be a non-negative decimal")
	// ErrBadCost is returned when cost is not a non-negative decimal string.
	ErrBadCost = errors.New("metering: cost must be a non-negative decimal")
	// ErrBadCurrency is returned when the currency is not a three-letter code.
	ErrBadCurrency = errors.New("metering: currency must be a three-letter ISO 4217 code")
	// ErrBadAmount is returned when a provisional charge amount is negative.
	ErrBadAmount = errors.New("metering: amount must be a non-negative decimal")
)

// Well-known resource types. The wire format accepts any non-empty string;
// these are the ones Caracal's own components emit.
const (
	ResourceAPICall   = "api_call"
	ResourceLLMTokens = "llm_tokens"
	ResourceToolCall  = "tool_call"
	ResourceStorage   = "storage_bytes"
	ResourceCompute   = "compute_seconds"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Usage is the payload of a metering event. Quantity and Cost travel as
// decimal strings so no consumer is tempted into float arithmetic; neither
// carries a sign.
type Usage struct {
	ResourceType        string         `json:"resource_type"`
	Quantity            string         `json:"quantity"`
	Cost                string         `json:"cost"`
	Currency            string         `json:"currency"`
	ProvisionalChargeID string         `json:"provisional_charge_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Validate checks the payload the same way the ledger schema does, so a
// producer can reject bad usage before it burns a bus round trip.
func (u Usage) Validate() error {
	if u.ResourceType == "" {
		return ErrEmptyResourceType
	}
	if !validAmount(u.Quantity) {
		return ErrBadQuantity
	}
	if !validAmount(u.Cost) {
		return ErrBadCost
	}
	if !currencyPattern.MatchString(u.Currency) {
		return ErrBadCurrency
	}
	return nil
}

func validAmount(s string) bool {
	if s == "" {
		return false
	}
	d, err := decimal.NewFromString(s)
	return err == nil && !d.IsNegative()
}

// Event is one recorded metering row, the store's view of a consumed
// usage payload plus its envelope fields.
type Event struct {
	EventID             string
	PrincipalID         string
	MandateID           string
	ResourceType        string
	Quantity            decimal.Decimal
	Cost                decimal.Decimal
	Currency            string
	ProvisionalChargeID string
	CorrelationID       string
	RecordedAt          time.Time
}

// Windows aggregates a principal's spending over the current hour, day,
// and week buckets. Buckets are clock-aligned rather than rolling: the
// hour bucket covers since the top of the hour, the day since midnight
// UTC, the week since Monday midnight UTC.
type Windows struct {
	Hour decimal.Decimal `json:"hour"`
	Day  decimal.Decimal `json:"day"`
	Week decimal.Decimal `json:"week"`
}

// WindowStarts returns the bucket starts for the three spending windows
// at a given instant.
func WindowStarts(now time.Time) (hour, day, week time.Time) {
	now = now.UTC()
	return now.Truncate(time.Hour), now.Truncate(24 * time.Hour), now.Truncate(7 * 24 * time.Hour)
}
