package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusCompleted RequestStatus = "completed"
)

func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusCompleted:
		return true
	}
	return false
}

// IsSettled is true once an accountant has acted on the request.
func (s RequestStatus) IsSettled() bool {
	return s == RequestStatusApproved || s == RequestStatusCompleted
}

func (s RequestStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *RequestStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = RequestStatus(v)
	case []byte:
		*s = RequestStatus(v)
	case nil:
		*s = ""
	default:
		return fmt.Errorf("cannot scan %T into RequestStatus", value)
	}
	return nil
}

func ParseRequestStatus(raw string) (RequestStatus, error) {
	s := RequestStatus(raw)
	if !s.IsValid() {
		return "", errors.New("invalid request status")
	}
	return s, nil
}

type ReconciliationStatus string

const (
	ReconciliationStatusApproved  ReconciliationStatus = "approved"
	ReconciliationStatusCompleted ReconciliationStatus = "completed"
)

type BankOperationType string

const (
	BankOperationMada     BankOperationType = "mada"
	BankOperationVisa     BankOperationType = "visa"
	BankOperationTransfer BankOperationType = "transfer"
)

type PaymentType string

const (
	PaymentTypeCash PaymentType = "cash"
	PaymentTypeBank PaymentType = "bank"
)

type AdminRole string

const (
	AdminRoleAdmin      AdminRole = "admin"
	AdminRoleAccountant AdminRole = "accountant"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredTimer          = "timer"
	SyncTriggeredManual         = "manual"
	SyncTriggeredRequestCreated = "request_created"
	SyncTriggeredStartup        = "startup"
)
