// Package billing validates outbound deliveries and creates billing
// documents through the remote function host.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/futuesigndev/fsapi/pkg/apperr"
	"github.com/futuesigndev/fsapi/pkg/erp"
)

const (
	deliveryTable     = "LIKP"
	billingItemTable  = "VBRP"
	createBillingFunc = "Z_RFC_BILL_CREATE_BDC"
)

// DeliveryStatus is the billing-relevant view of one outbound delivery.
type DeliveryStatus struct {
	DeliveryDoc    string `json:"delivery_doc"`
	GoodsIssueDate string `json:"goods_issue_date"`
	Billed         bool   `json:"billed"`
	BillingDoc     string `json:"billing_doc,omitempty"`
}

// CreateRequest asks for a billing document over one delivery.
type CreateRequest struct {
	DeliveryDoc string `json:"delivery_doc"`
	BillingDate string `json:"billing_date,omitempty"`
}

// CreateResult reports the created billing document.
type CreateResult struct {
	BillingDoc  string `json:"billing_doc"`
	DeliveryDoc string `json:"delivery_doc"`
	Message     string `json:"message"`
}

type Service struct {
	Client erp.Client

	now func() time.Time
}

func NewService(client erp.Client) *Service {
	return &Service{Client: client, now: time.Now}
}

// Document numbers flow into generic table-read filter clauses, so only the
// padded numeric form is ever accepted.
func normalizeDoc(doc string) (string, error) {
	d := strings.TrimSpace(doc)
	if d == "" {
		return "", &apperr.Error{Code: apperr.CodeValidation, Message: "delivery document is required", Fields: []string{"delivery_doc"}}
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return "", &apperr.Error{Code: apperr.CodeValidation, Message: "delivery document must be numeric", Fields: []string{"delivery_doc"}}
		}
	}
	if len(d) > 10 {
		return "", &apperr.Error{Code: apperr.CodeValidation, Message: "delivery document too long", Fields: []string{"delivery_doc"}}
	}
	return strings.Repeat("0", 10-len(d)) + d, nil
}

// DeliveryStatus checks that a delivery exists and whether a billing item
// already references it.
func (s *Service) DeliveryStatus(ctx context.Context, deliveryDoc string) (*DeliveryStatus, error) {
	doc, err := normalizeDoc(deliveryDoc)
	if err != nil {
		return nil, err
	}
	deliveries, err := erp.ReadTable(ctx, s.Client, erp.TableQuery{
		Table:    deliveryTable,
		Fields:   []string{"VBELN", "WADAT_IST"},
		Where:    []string{"VBELN = '" + doc + "'"},
		RowCount: 1,
	})
	if err != nil {
		return nil, remoteErr(err)
	}
	if len(deliveries) == 0 {
		return nil, &apperr.Error{Code: apperr.CodeNotFound, Message: "delivery " + doc + " not found"}
	}
	status := &DeliveryStatus{
		DeliveryDoc:    doc,
		GoodsIssueDate: deliveries[0]["WADAT_IST"],
	}
	items, err := erp.ReadTable(ctx, s.Client, erp.TableQuery{
		Table:    billingItemTable,
		Fields:   []string{"VBELN", "VGBEL"},
		Where:    []string{"VGBEL = '" + doc + "'"},
		RowCount: 1,
	})
	if err != nil {
		return nil, remoteErr(err)
	}
	if len(items) > 0 {
		status.Billed = true
		status.BillingDoc = items[0]["VBELN"]
	}
	return status, nil
}

// Create validates the delivery and then drives the billing creation
// function. A delivery that already carries a billing item is a conflict,
// not a repeatable call.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	status, err := s.DeliveryStatus(ctx, req.DeliveryDoc)
	if err != nil {
		return nil, err
	}
	if status.Billed {
		return nil, &apperr.Error{
			Code:    apperr.CodeConflict,
			Message: "delivery " + status.DeliveryDoc + " is already billed under " + status.BillingDoc,
		}
	}
	billDate := strings.ReplaceAll(strings.TrimSpace(req.BillingDate), ".", "")
	if billDate == "" {
		billDate = s.now().Format("20060102")
	}
	result, err := s.Client.Invoke(ctx, createBillingFunc, map[string]any{
		"IV_DELIVERY":  status.DeliveryDoc,
		"IV_BILL_DATE": billDate,
	})
	if err != nil {
		return nil, remoteErr(err)
	}
	retType, _ := result["EV_RETURN_TYPE"].(string)
	retMsg, _ := result["EV_RETURN_MESSAGE"].(string)
	if retType != "S" {
		if retMsg == "" {
			retMsg = "billing creation failed"
		}
		return nil, &apperr.Error{Code: apperr.CodeRemoteApplication, Message: retMsg}
	}
	doc, _ := result["EV_BILLING_DOC"].(string)
	return &CreateResult{
		BillingDoc:  doc,
		DeliveryDoc: status.DeliveryDoc,
		Message:     retMsg,
	}, nil
}

func remoteErr(err error) error {
	var unavailable *erp.UnavailableError
	if errors.As(err, &unavailable) {
		return &apperr.Error{Code: apperr.CodeRemoteUnavailable, Message: "remote function host unavailable", Detail: unavailable.Err.Error()}
	}
	var rejected *erp.ApplicationError
	if errors.As(err, &rejected) {
		return &apperr.Error{Code: apperr.CodeRemoteApplication, Message: strings.Join(rejected.Messages, "; ")}
	}
	return err
}
