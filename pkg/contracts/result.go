package contracts

// ResourcesConsumed itemizes what an action actually cost, keyed by
// resource name. Scrip appears as a whole number; llm_budget as dollars.
type ResourcesConsumed map[Resource]float64

// Add accumulates a charge, allocating lazily.
func (rc *ResourcesConsumed) Add(r Resource, amount float64) {
	if amount == 0 {
		return
	}
	if *rc == nil {
		*rc = make(ResourcesConsumed)
	}
	(*rc)[r] += amount
}

// ActionResult is the dispatcher's only reply shape. Success and Message are
// always populated; the error fields only on failure.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ActionResult struct {
	Success           bool              `json:"success"`
	Message           string            `json:"message"`
	Data              map[string]any    `json:"data,omitempty"`
	ResourcesConsumed ResourcesConsumed `json:"resources_consumed,omitempty"`
	ChargedTo         string            `json:"charged_to,omitempty"`

	ErrorCode     Code           `json:"error_code,omitempty"`
	ErrorCategory Category       `json:"error_category,omitempty"`
	Retriable     bool           `json:"retriable"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
}

// OK builds a success result.
func OK(message string) ActionResult {
	return ActionResult{Success: true, Message: message}
}

// OKData builds a success result carrying data.
func OKData(message string, data map[string]any) ActionResult {
	return ActionResult{Success: true, Message: message, Data: data}
}

// Fail maps a taxonomy error onto a failed result. Arbitrary errors pass
// through AsError first so every failure carries a code.
func Fail(err error) ActionResult {
	ke := AsError(err)
	return ActionResult{
		Success:       false,
		Message:       ke.Message,
		ErrorCode:     ke.Code,
		ErrorCategory: ke.Category(),
		Retriable:     ke.Retriable(),
		ErrorDetails:  ke.Details,
	}
}

// Err reconstructs the taxonomy error from a failed result, or nil.
func (r *ActionResult) Err() *Error {
	if r.Success {
		return nil
	}
	return &Error{Code: r.ErrorCode, Message: r.Message, Details: r.ErrorDetails}
}

// PermissionResult is what an access handler returns for one operation on
// one target. Cost is scrip; Payer empty means the caller pays.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PermissionResult struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	Cost       int64          `json:"cost,omitempty"`
	Payer      string         `json:"payer,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// Allow builds a zero-cost grant.
func Allow(reason string) PermissionResult {
	return PermissionResult{Allowed: true, Reason: reason}
}

// AllowCost builds a grant charging cost scrip to the caller.
func AllowCost(reason string, cost int64) PermissionResult {
	return PermissionResult{Allowed: true, Reason: reason, Cost: cost}
}

// Deny builds a refusal.
func Deny(reason string) PermissionResult {
	return PermissionResult{Allowed: false, Reason: reason}
}
