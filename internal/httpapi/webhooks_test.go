package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookS3RejectsOversizedBody(t *testing.T) {
	s := &Server{}
	oversized := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/_webhooks/s3", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()
	s.handleWebhookS3(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized webhook body, got %d", rec.Code)
	}
}

func TestWebhookGCSRejectsOversizedBody(t *testing.T) {
	s := &Server{}
	oversized := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/_webhooks/gcs", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()
	s.handleWebhookGCS(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized webhook body, got %d", rec.Code)
	}
}
