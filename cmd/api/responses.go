package main

import (
	"time"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/payment"
)

type transactionResponse struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	Status            string  `json:"status"`
	Amount            string  `json:"amount"`
	FeePercent        string  `json:"feePercent"`
	FeeAmount         string  `json:"feeAmount"`
	NetAmount         string  `json:"netAmount"`
	BuyerPays         string  `json:"buyerPays"`
	SellerReceives    string  `json:"sellerReceives"`
	FeePayer          string  `json:"feePayer"`
	SellerID          string  `json:"sellerId"`
	BuyerID           *string `json:"buyerId,omitempty"`
	InviteCode        *string `json:"inviteCode,omitempty"`
	InviteExpiry      *string `json:"inviteExpiry,omitempty"`
	CancelRequestedBy *string `json:"cancelRequestedBy,omitempty"`
	PaidAt            *string `json:"paidAt,omitempty"`
	DeliveredAt       *string `json:"deliveredAt,omitempty"`
	CompletedAt       *string `json:"completedAt,omitempty"`
	CancelledAt       *string `json:"cancelledAt,omitempty"`
	AutoReleaseAt     *string `json:"autoReleaseAt,omitempty"`
	ExpiresAt         *string `json:"expiresAt,omitempty"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

func toTransactionResponse(t escrow.Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		Amount:            t.Amount.StringFixed(2),
		FeePercent:        t.FeePercent.StringFixed(2),
		FeeAmount:         t.FeeAmount.StringFixed(2),
		NetAmount:         t.NetAmount.StringFixed(2),
		BuyerPays:         t.BuyerPays.StringFixed(2),
		SellerReceives:    t.SellerReceives.StringFixed(2),
		FeePayer:          string(t.FeePayer),
		SellerID:          t.SellerID,
		BuyerID:           t.BuyerID,
		InviteCode:        t.InviteCode,
		InviteExpiry:      formatTime(t.InviteExpiry),
		CancelRequestedBy: t.CancelRequestedBy,
		PaidAt:            formatTime(t.PaidAt),
		DeliveredAt:       formatTime(t.DeliveredAt),
		CompletedAt:       formatTime(t.CompletedAt),
		CancelledAt:       formatTime(t.CancelledAt),
		AutoReleaseAt:     formatTime(t.AutoReleaseAt),
		ExpiresAt:         formatTime(t.ExpiresAt),
		Version:           t.Version,
		CreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type slipResponse struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	SubmittedBy   string  `json:"submittedBy"`
	ImageURL      string  `json:"imageUrl"`
	Amount        string  `json:"amount"`
	PaymentMethod string  `json:"paymentMethod"`
	TransferDate  string  `json:"transferDate"`
	ReferenceNo   string  `json:"referenceNo,omitempty"`
	Status        string  `json:"status"`
	Note          string  `json:"note,omitempty"`
	ReviewedBy    *string `json:"reviewedBy,omitempty"`
	ReviewedAt    *string `json:"reviewedAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func toSlipResponse(s payment.Slip) slipResponse {
	return slipResponse{
		ID:            s.ID,
		TransactionID: s.TransactionID,
		SubmittedBy:   s.SubmittedBy,
		ImageURL:      s.ImageURL,
		Amount:        s.Amount.StringFixed(2),
		PaymentMethod: s.PaymentMethod,
		TransferDate:  s.TransferDate.UTC().Format(time.RFC3339),
		ReferenceNo:   s.ReferenceNo,
		Status:        string(s.Status),
		Note:          s.Note,
		ReviewedBy:    s.ReviewedBy,
		ReviewedAt:    formatTime(s.ReviewedAt),
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID            string   `json:"id"`
	TransactionID string   `json:"transactionId"`
	CreatedBy     string   `json:"createdBy"`
	Reason        string   `json:"reason"`
	Description   string   `json:"description,omitempty"`
	EvidenceURLs  []string `json:"evidenceUrls"`
	Status        string   `json:"status"`
	Outcome       *string  `json:"outcome,omitempty"`
	ResolvedBy    *string  `json:"resolvedBy,omitempty"`
	ResolvedAt    *string  `json:"resolvedAt,omitempty"`
	CreatedAt     string   `json:"createdAt"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		CreatedBy:     d.CreatedBy,
		Reason:        d.Reason,
		Description:   d.Description,
		EvidenceURLs:  d.EvidenceURLs,
		Status:        string(d.Status),
		ResolvedBy:    d.ResolvedBy,
		ResolvedAt:    formatTime(d.ResolvedAt),
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if resp.EvidenceURLs == nil {
		resp.EvidenceURLs = []string{}
	}
	if d.Outcome != nil {
		o := string(*d.Outcome)
		resp.Outcome = &o
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
